package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"cheersplit/internal/amqp"
	"cheersplit/internal/cli"
	"cheersplit/internal/config"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
	"cheersplit/internal/worker"
)

const statsInterval = 5 * time.Minute

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker, nil)

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}

func run(cfg *config.Config, logger *log.Logger) error {
	if !cfg.AMQPEnabled() {
		return errors.New("AMQP_URL is required to run the settlement worker")
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	client, err := amqp.NewClient(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		return fmt.Errorf("initialize AMQP client: %w", err)
	}
	defer client.Close()

	results, caches := cli.NewResultCache(cfg, logger)
	defer caches.Stop()

	svc := services.NewSettlementService(cfg.Mode(), cfg.Currency, results, client, logger)
	w := worker.NewSettlementWorker(svc)

	logger.Info("Starting settle-worker",
		"queue", cfg.AMQPQueue,
		"exchange", cfg.AMQPExchange,
		log.FieldMode, cfg.SettlementMode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.ConsumeRequests(gctx, w.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				handled, rejected := w.Counts()
				stats := svc.Stats()
				logger.Info("Worker stats",
					"handled", handled,
					"rejected", rejected,
					"cache_hits", stats.CacheHits,
					"publish_failures", stats.PublishFailures,
					"cache_entries", results.Size())
			}
		}
	})
	return g.Wait()
}
