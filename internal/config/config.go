// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AnthonyGress/lab-dash/internal/domain"
)

const (
	envPrefix         = "LABDASH__"
	encryptionKeySize = 32
	databaseFilename  = "labdash.db"
)

type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string
	dataDir    string
}

// New loads (or creates) the configuration. configPath may be a directory, a
// .toml file path, or empty for the OS default location.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	if configPath == "" {
		configPath = GetDefaultConfigDir()
	}
	c.configPath = c.resolveConfigPath(configPath)

	if err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// resolveConfigPath accepts either a directory or a direct file path. A path
// ending in .toml, or one that exists as a regular file, is used as-is.
func (c *AppConfig) resolveConfigPath(input string) string {
	if strings.HasSuffix(strings.ToLower(input), ".toml") {
		return input
	}
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		return input
	}
	return filepath.Join(input, "config.toml")
}

func (c *AppConfig) load() error {
	if _, err := os.Stat(c.configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(c.configPath); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
		log.Info().Str("path", c.configPath).Msg("Created default configuration file")
	}

	c.defaults()
	c.bindEnv()

	c.viper.SetConfigFile(c.configPath)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.dataDir = c.Config.DataDir
	return nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 2022)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

// bindEnv wires LABDASH__* environment variables above the config file.
func (c *AppConfig) bindEnv() {
	bindings := map[string]string{
		"host":           "HOST",
		"port":           "PORT",
		"baseUrl":        "BASE_URL",
		"sessionSecret":  "SESSION_SECRET",
		"logLevel":       "LOG_LEVEL",
		"logPath":        "LOG_PATH",
		"dataDir":        "DATA_DIR",
		"metricsEnabled": "METRICS_ENABLED",
		"pprofEnabled":   "PPROF_ENABLED",
	}
	for key, env := range bindings {
		c.viper.BindEnv(key, envPrefix+env)
	}
}

// SetDataDir overrides the data directory, typically from a CLI flag.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetDatabasePath places the database in the data directory when one is
// configured, otherwise next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	if c.dataDir != "" {
		return filepath.Join(c.dataDir, databaseFilename)
	}
	return filepath.Join(filepath.Dir(c.configPath), databaseFilename)
}

// GetEncryptionKey derives the AES key for credential encryption from the
// session secret. Hashing tolerates secrets of any length.
func (c *AppConfig) GetEncryptionKey() []byte {
	key := sha256.Sum256([]byte(c.Config.SessionSecret))
	return key[:]
}

// ApplyLogConfig sets the global zerolog level and output. With a logPath
// the file is rotated by lumberjack; otherwise logs go to the console.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if c.Config.LogPath != "" {
		writer = &lumberjack.Logger{
			Filename:   c.Config.LogPath,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// GetDefaultConfigDir returns the OS-specific config directory. An
// XDG_CONFIG_HOME of /config is honored verbatim for container setups.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "labdash")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "labdash")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "labdash")
}

// WriteDefaultConfig writes a commented starter config with a freshly
// generated session secret. An existing file is left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	secret, err := generateSecureToken(encryptionKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}

	content := fmt.Sprintf(`# config.toml

# Hostname / IP to listen on
host = "localhost"

# Port to listen on
port = 2022

# Base URL when served behind a reverse proxy under a sub-path, e.g. "/labdash/"
#baseUrl = "/"

# Session secret, also used to derive the credential encryption key.
# Changing it invalidates every stored encrypted credential.
sessionSecret = "%s"

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Log file path, empty logs to console
#logPath = "log/labdash.log"

# Data directory for the database, defaults to the config directory
#dataDir = ""

# Expose Prometheus metrics on /metrics
metricsEnabled = false

[httpTimeouts]
readTimeout = 60
writeTimeout = 120
idleTimeout = 180
`, secret)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
