// Package config loads configuration for the example binaries from
// environment variables. Library consumers wire the engine and backends
// directly and do not need this package.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "torque.db"
	defaultMaxTasks   = 4

	envListenAddr = "TORQUE_LISTEN_ADDR"
	envDBPath     = "TORQUE_DB_PATH"
	envLogLevel   = "TORQUE_LOG_LEVEL"
	envMaxTasks   = "TORQUE_MAX_TASKS"
	envDockerHost = "TORQUE_DOCKER_HOST"
)

// Config holds demo configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxTasks caps concurrent tasks on the demo's docker backend.
	MaxTasks int

	// DockerHost overrides the daemon endpoint; empty uses the DOCKER_*
	// environment.
	DockerHost string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		MaxTasks:   defaultMaxTasks,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxTasks); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTasks = n
		}
	}
	if v := os.Getenv(envDockerHost); v != "" {
		cfg.DockerHost = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
