package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/sms-relay/pkg/api"
	"github.com/zoff-tech/sms-relay/pkg/broker"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/delivery"
	"github.com/zoff-tech/sms-relay/pkg/normalizer"
	"github.com/zoff-tech/sms-relay/pkg/processor"
	"github.com/zoff-tech/sms-relay/pkg/retry"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"github.com/zoff-tech/sms-relay/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/sms-relay")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sms-relay stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger) (err error) {
	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTelemetry(flushCtx))
	}()

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, repo.Close()) }()

	// Anything left IN_FLIGHT was abandoned by the previous process
	recovered, err := repo.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	logger.Info("outbox recovered", zap.Int64("in_flight_reset", recovered), zap.String("db", cfg.Database.Type))

	devices := config.NewDeviceStore(cfg.Device)
	if err := config.WatchDevice(ctx, cfg.Sources, devices, logger.Named("config")); err != nil {
		return err
	}
	if missing := devices.Snapshot().Missing(); len(missing) > 0 {
		logger.Warn("device not paired, events will be rejected until configured", zap.Strings("missing", missing))
	}

	// Initialize the message broker
	mb, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	outcomes := broker.NewOutcomePublisher(mb, cfg.Broker.Topic, cfg.DeadLetterTopic, logger.Named("outcomes"))
	defer func() { err = multierr.Append(err, outcomes.Close()) }()

	scheduler := retry.NewScheduler(repo, cfg.Retry, logger.Named("retry"))
	deliverer := delivery.NewHTTPDeliverer(cfg.Delivery, devices)

	proc, err := processor.NewDeliveryProcessor(repo, deliverer, scheduler, outcomes, cfg.Delivery, cfg.Outbox, logger)
	if err != nil {
		return err
	}
	events := normalizer.New(repo, devices, proc, logger.Named("normalizer"))
	server := api.NewServer(cfg.API, events, repo, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("sms-relay started",
		zap.Int("workers", cfg.Delivery.Workers),
		zap.Int("max_attempts", cfg.Retry.MaxAttempts),
		zap.String("broker", cfg.Broker.Type),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sms-relay shut down")
	return nil
}
