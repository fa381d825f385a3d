// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is shared by cmd/api and cmd/sweeper.
type Config struct {
	Port     string
	RunLocal bool
	LogLevel slog.Level

	OrdersTable        string `validate:"required"`
	PaymentsTable      string `validate:"required"`
	NotificationsTable string `validate:"required"`
	IdempotencyTable   string `validate:"required"`
	UsersTable         string `validate:"required"`

	NotificationsQueueURL string
	MetricsNamespace      string

	Cashfree Cashfree

	ReturnURL string `validate:"omitempty,url"`
	NotifyURL string `validate:"omitempty,url"`
	Currency  string `validate:"len=3"`

	SweepInterval    time.Duration `validate:"gt=0"`
	SweepGracePeriod time.Duration `validate:"gte=0"`
	SweepBatchSize   int32         `validate:"gt=0"`
	IdempotencyTTL   time.Duration `validate:"gt=0"`

	JWTSecret   string
	CORSOrigins []string

	WebhookRateRPS   float64 `validate:"gt=0"`
	WebhookRateBurst int     `validate:"gt=0"`
}

// Cashfree holds payment gateway credentials.
type Cashfree struct {
	ClientID      string
	ClientSecret  string
	Environment   string `validate:"oneof=sandbox production"`
	APIVersion    string `validate:"required"`
	WebhookSecret string
}

// Load reads .env when present, then the environment, applies defaults and validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     getenv("PORT", "8080"),
		RunLocal: getenv("RUN_LOCAL", "false") == "true",

		OrdersTable:        os.Getenv("ORDERS_TABLE"),
		PaymentsTable:      os.Getenv("PAYMENTS_TABLE"),
		NotificationsTable: os.Getenv("NOTIFICATIONS_TABLE"),
		IdempotencyTable:   os.Getenv("IDEMPOTENCY_TABLE"),
		UsersTable:         os.Getenv("USERS_TABLE"),

		NotificationsQueueURL: os.Getenv("NOTIFICATIONS_QUEUE_URL"),
		MetricsNamespace:      getenv("METRICS_NAMESPACE", "CanteenOrderflow"),

		Cashfree: Cashfree{
			ClientID:      os.Getenv("CASHFREE_CLIENT_ID"),
			ClientSecret:  os.Getenv("CASHFREE_CLIENT_SECRET"),
			Environment:   getenv("CASHFREE_ENV", "sandbox"),
			APIVersion:    getenv("CASHFREE_API_VERSION", "2023-08-01"),
			WebhookSecret: os.Getenv("CASHFREE_WEBHOOK_SECRET"),
		},

		ReturnURL: os.Getenv("PAYMENT_RETURN_URL"),
		NotifyURL: os.Getenv("PAYMENT_NOTIFY_URL"),
		Currency:  getenv("CURRENCY", "INR"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepGracePeriod, err = durationEnv("SWEEP_GRACE_PERIOD", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", 48*time.Hour); err != nil {
		return nil, err
	}
	batch, err := intEnv("SWEEP_BATCH_SIZE", 25)
	if err != nil {
		return nil, err
	}
	cfg.SweepBatchSize = int32(batch)
	if cfg.WebhookRateBurst, err = intEnv("WEBHOOK_RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.WebhookRateRPS, err = floatEnv("WEBHOOK_RATE_RPS", 10); err != nil {
		return nil, err
	}

	if err := validatorv10.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
