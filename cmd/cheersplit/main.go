package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"cheersplit/internal/amqp"
	"cheersplit/internal/cli"
	"cheersplit/internal/config"
	apphttp "cheersplit/internal/http"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp, nil)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext()
	defer stop()

	results, caches := cli.NewResultCache(cfg, logger)
	defer caches.Stop()

	checks := map[string]apphttp.ReadinessCheck{}
	publisher, closeEvents := connectEvents(ctx, cfg, logger, checks)
	defer closeEvents()

	svc := services.NewSettlementService(cfg.Mode(), cfg.Currency, results, publisher, logger)
	srv := apphttp.NewServer(apphttp.ServerConfig{
		Addr:               ":" + cfg.Port,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins,
		CacheStats:         results.Stats,
		Checks:             checks,
	}, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting cheersplit server",
			"port", cfg.Port,
			log.FieldMode, cfg.SettlementMode,
			"currency", cfg.Currency,
			"amqp", publisher != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on port %s: %w", cfg.Port, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server", log.FieldOperation, log.OpShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectEvents dials the broker when one is configured and registers an
// "amqp" readiness check. Events are optional: when the broker cannot be
// reached the server keeps settling without them and the check fails.
func connectEvents(ctx context.Context, cfg *config.Config, logger *log.Logger, checks map[string]apphttp.ReadinessCheck) (services.EventPublisher, func()) {
	if !cfg.AMQPEnabled() {
		return nil, func() {}
	}

	client, err := amqp.NewClient(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.WithComponent(log.ComponentAMQP).Error("AMQP unavailable, settlement events disabled",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeNetwork)
		checks["amqp"] = func(context.Context) error {
			return fmt.Errorf("broker unreachable at startup, events disabled: %w", err)
		}
		return nil, func() {}
	}

	checks["amqp"] = func(context.Context) error {
		if !client.Healthy() {
			return errors.New("broker connection unavailable")
		}
		return nil
	}
	return client, func() { client.Close() }
}
