// Package cli holds the start-up steps shared by cmd/cheersplit,
// cmd/settle-worker and cmd/settle.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cheersplit/internal/cache"
	"cheersplit/internal/config"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
)

// ShutdownTimeout bounds graceful shutdown of servers and consumers.
const ShutdownTimeout = 30 * time.Second

// LoadEnvFile loads .env for local development. A missing file is not an error.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it, exiting the
// process on failure.
func LoadAndValidateConfig() *config.Config {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// SetupLogger builds the process logger from cfg and installs it as the
// slog default. Output goes to w, stdout when nil.
func SetupLogger(cfg *config.Config, component string, w io.Writer) *log.Logger {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if w == nil {
		w = os.Stdout
	}
	logger := log.New(log.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Component: component,
		Output:    w,
	})
	log.SetDefault(logger)
	return logger
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// NewResultCache builds the settlement cache described by cfg and a manager
// sweeping it every minute. Callers must Stop the manager.
func NewResultCache(cfg *config.Config, logger *log.Logger) (*cache.LRUCache[*services.Settlement], *cache.Manager) {
	results := cache.NewLRUCache[*services.Settlement](cfg.CacheSize, cfg.CacheTTL)
	manager := cache.NewManager(logger.WithComponent(log.ComponentCache).Logger)
	manager.Register(results)
	manager.StartCleanup(time.Minute)
	return results, manager
}
