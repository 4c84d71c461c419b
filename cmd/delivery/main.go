package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethhook/ethhook/internal/delivery"
	"github.com/ethhook/ethhook/pkg/bus"
	"github.com/ethhook/ethhook/pkg/config"
	"github.com/ethhook/ethhook/pkg/configstore"
	"github.com/ethhook/ethhook/pkg/eventstore"
	"github.com/ethhook/ethhook/pkg/observability"
	"github.com/ethhook/ethhook/pkg/resilience"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateDelivery(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := observability.NewStandardLoggerWithLevel("delivery", cfg.LogLevel)
	metrics := observability.NewMetricsClient()
	defer func() { _ = metrics.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busClient, err := bus.NewClient(&cfg.Bus, logger)
	if err != nil {
		logger.Error("Failed to connect to bus", map[string]interface{}{"error": err.Error()})
		return 1
	}
	defer func() { _ = busClient.Close() }()

	store, err := configstore.NewStore(ctx, &cfg.ConfigStore, logger)
	if err != nil {
		logger.Error("Failed to connect to config store", map[string]interface{}{"error": err.Error()})
		return 1
	}
	defer func() { _ = store.Close() }()

	var events *eventstore.Writer
	if cfg.EventStore.URL != "" {
		events, err = eventstore.NewWriter(&cfg.EventStore, logger, metrics)
		if err != nil {
			logger.Error("Failed to initialize event store", map[string]interface{}{"error": err.Error()})
			return 1
		}
		defer events.Close()
	} else {
		logger.Warn("Event store not configured, delivery attempts will not be archived", nil)
	}

	sender := delivery.NewSender(cfg.Delivery.RequestTimeout)
	breakers := resilience.NewBreakerManager(&cfg.Delivery.Breaker, logger, metrics)

	service := delivery.NewService(&delivery.Config{
		ShardCount:     cfg.Delivery.ShardCount,
		Workers:        cfg.Delivery.Workers,
		Group:          cfg.Delivery.Group,
		BatchSize:      cfg.Delivery.BatchSize,
		BlockTimeout:   cfg.Delivery.BlockTimeout,
		ClaimMinIdle:   cfg.Delivery.ClaimMinIdle,
		ClaimInterval:  cfg.Delivery.ClaimInterval,
		RequestTimeout: cfg.Delivery.RequestTimeout,
		MaxRetries:     cfg.Delivery.MaxRetries,
	}, busClient, sender, store, breakers, events, logger, metrics)

	if err := service.Start(ctx); err != nil {
		logger.Error("Failed to start delivery service", map[string]interface{}{"error": err.Error()})
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})

	done := make(chan struct{})
	go func() {
		service.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error("Shutdown grace period exceeded", nil)
		return 2
	}
	return 0
}
