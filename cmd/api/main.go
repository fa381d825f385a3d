package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/aws"
	"github.com/imrishuroy/canteen-orderflow/internal/checkout"
	"github.com/imrishuroy/canteen-orderflow/internal/config"
	"github.com/imrishuroy/canteen-orderflow/internal/gateway"
	"github.com/imrishuroy/canteen-orderflow/internal/handlers"
	"github.com/imrishuroy/canteen-orderflow/internal/idempotency"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/notify"
	"github.com/imrishuroy/canteen-orderflow/internal/sweeper"
	"github.com/imrishuroy/canteen-orderflow/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	if cfg.Cashfree.WebhookSecret == "" {
		logger.Warn("CASHFREE_WEBHOOK_SECRET not set; webhook signatures are not verified")
	}

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
	directory := accounts.NewDirectory(clients.DynamoDB, cfg.UsersTable)
	metrics := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)

	var transport notify.Transport = notify.NopTransport{}
	if cfg.NotificationsQueueURL != "" {
		transport = notify.NewQueueTransport(aws.NewPublisher(clients.SQS, cfg.NotificationsQueueURL))
	}
	dispatcher := notify.NewDispatcher(store, transport, logger)

	gw := gateway.NewClient(gateway.Options{
		ClientID:     cfg.Cashfree.ClientID,
		ClientSecret: cfg.Cashfree.ClientSecret,
		Environment:  cfg.Cashfree.Environment,
		APIVersion:   cfg.Cashfree.APIVersion,
		Timeout:      15 * time.Second,
	})

	svc := checkout.NewService(store, gw, directory, dispatcher, checkout.Options{
		ReturnURL: cfg.ReturnURL,
		NotifyURL: cfg.NotifyURL,
		Currency:  cfg.Currency,
	}, logger)

	r := handlers.NewRouter(handlers.Deps{
		Checkout:       svc,
		Reconciler:     webhook.NewReconciler(store, directory, dispatcher, metrics, logger),
		Verifier:       webhook.NewVerifier(cfg.Cashfree.WebhookSecret),
		Inbox:          notify.NewInbox(store),
		Idempotency:    idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		Auth:           handlers.NewAuthenticator(cfg.JWTSecret),
		WebhookLimiter: handlers.NewRateLimiter(cfg.WebhookRateRPS, cfg.WebhookRateBurst),
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         logger,
	})

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		sw := sweeper.New(store, metrics, sweeper.Options{
			Interval:    cfg.SweepInterval,
			GracePeriod: cfg.SweepGracePeriod,
			BatchSize:   cfg.SweepBatchSize,
		}, logger)
		runLocal(r, sw, dispatcher, cfg.Port, logger)
		return
	}

	gin.SetMode(gin.ReleaseMode)
	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		// pushes started by this invocation must finish before the runtime freezes
		dispatcher.Wait()
		return resp, err
	})
}

// runLocal serves HTTP and runs the sweeper in-process until SIGINT/SIGTERM.
func runLocal(r *gin.Engine, sw *sweeper.Sweeper, dispatcher *notify.Dispatcher, port string, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	go func() {
		logger.Info("running local server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("local server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	<-sweepDone
	dispatcher.Wait()
}
