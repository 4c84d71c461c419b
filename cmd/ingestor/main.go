package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethhook/ethhook/internal/ingestor"
	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/config"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/observability"
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateIngestor(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := observability.NewStandardLoggerWithLevel("ingestor", cfg.LogLevel)
	metrics := observability.NewMetricsClient()
	defer func() { _ = metrics.Close() }()

	busClient, err := bus.NewClient(&cfg.Bus, logger)
	if err != nil {
		logger.Error("Failed to connect to bus", map[string]interface{}{"error": err.Error()})
		return 1
	}
	defer func() { _ = busClient.Close() }()

	var store *eventstore.Writer
	if cfg.EventStore.URL != "" {
		store, err = eventstore.NewWriter(&cfg.EventStore, logger, metrics)
		if err != nil {
			logger.Error("Failed to initialize event store", map[string]interface{}{"error": err.Error()})
			return 1
		}
		defer store.Close()
	} else {
		logger.Warn("Event store not configured, events will not be archived", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, chain := range cfg.Ingestor.Chains {
		worker, err := ingestor.NewWorker(ingestor.Config{
			ChainName:          chain.Name,
			ChainID:            chain.ChainID,
			WSURL:              chain.WSURL,
			HTTPURL:            chain.HTTPURL,
			ReconnectBaseDelay: cfg.Ingestor.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Ingestor.ReconnectMaxDelay,
			ReadTimeout:        cfg.Ingestor.ReadTimeout,
			PublishRetryWindow: cfg.Ingestor.PublishRetryWindow,
			DegradedBufferSize: cfg.Ingestor.DegradedBufferSize,
			DrainInterval:      cfg.Ingestor.DrainInterval,
			BackfillLookback:   cfg.Ingestor.BackfillLookback,
			DedupCacheSize:     cfg.Ingestor.DedupCacheSize,
			DedupTTL:           cfg.Ingestor.DedupTTL,
			StreamMaxLen:       cfg.Ingestor.StreamMaxLen,
		}, busClient, store, busClient.GetClient(), logger, metrics)
		if err != nil {
			logger.Error("Failed to build chain worker", map[string]interface{}{
				"chain": chain.Name,
				"error": err.Error(),
			})
			return 1
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	logger.Info("Ingestor running", map[string]interface{}{
		"chains": len(cfg.Ingestor.Chains),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Error("Shutdown grace period exceeded", nil)
		return 2
	}
	return 0
}
