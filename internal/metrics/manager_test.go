// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	t.Parallel()

	m := NewManager()

	m.ObserveRequest("qbittorrent", "torrents", 200, 50*time.Millisecond)
	m.ObserveRequest("qbittorrent", "torrents", 200, 20*time.Millisecond)
	m.ObserveRequest("deluge", "login", 401, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.requestsTotal.WithLabelValues("qbittorrent", "torrents", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.requestsTotal.WithLabelValues("deluge", "login", "401")))
}

func TestRegisterSessionGauge(t *testing.T) {
	t.Parallel()

	m := NewManager()

	sessions := 3
	m.RegisterSessionGauge("transmission", func() int { return sessions })

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "labdash_client_sessions" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(3), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
