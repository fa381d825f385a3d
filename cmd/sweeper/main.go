package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/imrishuroy/canteen-orderflow/internal/aws"
	"github.com/imrishuroy/canteen-orderflow/internal/config"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/sweeper"
)

// handler runs one sweep per scheduled invocation.
type handler struct {
	sweeper *sweeper.Sweeper
	logger  *slog.Logger
}

func (h *handler) Handle(ctx context.Context, ev events.CloudWatchEvent) (sweeper.Report, error) {
	h.logger.Info("scheduled sweep", "event_id", ev.ID, "time", ev.Time)
	// returning the error lets the scheduler record the failed invocation
	return h.sweeper.SweepOnce(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Error("failed to init aws clients", "err", err)
		os.Exit(1)
	}

	store := ledger.NewStore(clients.DynamoDB, ledger.Tables{
		Orders:        cfg.OrdersTable,
		Payments:      cfg.PaymentsTable,
		Notifications: cfg.NotificationsTable,
	})
	sw := sweeper.New(store, aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace), sweeper.Options{
		Interval:    cfg.SweepInterval,
		GracePeriod: cfg.SweepGracePeriod,
		BatchSize:   cfg.SweepBatchSize,
	}, logger)

	// If RUN_LOCAL=true, sweep on a ticker until interrupted.
	if cfg.RunLocal {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := sw.SweepOnce(ctx); err != nil {
			logger.Error("initial sweep failed", "err", err)
		}
		sw.Run(ctx)
		return
	}

	h := &handler{sweeper: sw, logger: logger}
	lambda.Start(h.Handle)
}
