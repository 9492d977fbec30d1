// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Manager owns the Prometheus registry and the gateway's request metrics.
type Manager struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labdash_client_requests_total",
			Help: "Download client gateway requests by client, operation and status code",
		},
		[]string{"client", "operation", "status"},
	)
	registry.MustRegister(requestsTotal)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labdash_client_request_duration_seconds",
			Help:    "Download client gateway request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"client", "operation"},
	)
	registry.MustRegister(requestDuration)

	log.Info().Msg("Metrics manager initialized")

	return &Manager{
		registry:        registry,
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one gateway request against a download client.
func (m *Manager) ObserveRequest(client, operation string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(client, operation, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(client, operation).Observe(duration.Seconds())
}

// RegisterSessionGauge exposes the live session count of one adapter.
func (m *Manager) RegisterSessionGauge(client string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "labdash_client_sessions",
			Help:        "Live cached sessions per download client",
			ConstLabels: prometheus.Labels{"client": client},
		},
		func() float64 { return float64(count()) },
	))
}
