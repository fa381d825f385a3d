// Package sweeper removes orders that were created but never paid for.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
)

const MetricOrdersSwept = "OrdersSwept"

// defaultMaxPages bounds one tick so a large backlog drains over several runs.
const defaultMaxPages = 20

type Ledger interface {
	ScanSweepCandidates(ctx context.Context, cutoff time.Time, limit int32, start ledger.PageKey) ([]ledger.Order, ledger.PageKey, error)
	OrderHasPayment(ctx context.Context, orderID string) (bool, error)
	DeleteAbandonedOrder(ctx context.Context, orderID string, cutoff time.Time) (bool, error)
}

// Counter is satisfied by *aws.Metrics.
type Counter interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string) error
}

type Options struct {
	Interval    time.Duration
	GracePeriod time.Duration // orders younger than this are left for their webhook
	BatchSize   int32
	MaxPages    int
}

// Report summarizes one sweep.
type Report struct {
	Scanned  int
	Deleted  int
	Skipped  int // gained a payment between scan and delete
	Failed   int
	Pages    int
	Complete bool // the scan reached the end of the table
}

type Sweeper struct {
	ledger  Ledger
	metrics Counter
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time
}

func New(l Ledger, metrics Counter, opts Options, logger *slog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:  l,
		metrics: metrics,
		opts:    opts,
		logger:  logger.With("component", "sweeper"),
		nowFunc: time.Now,
	}
}

// SweepOnce deletes abandoned orders: Pending payment, no payment linked, older than the
// grace period. An order is removed only if no payment references it and the conditional
// delete still matches, so a webhook racing the sweep always wins.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := s.nowFunc().UTC().Add(-s.opts.GracePeriod)

	var start ledger.PageKey
	for rep.Pages < s.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		orders, next, err := s.ledger.ScanSweepCandidates(ctx, cutoff, s.opts.BatchSize, start)
		if err != nil {
			s.logger.Error("scan sweep candidates", "err", err, "pages", rep.Pages)
			return rep, err
		}
		rep.Pages++
		rep.Scanned += len(orders)

		for _, o := range orders {
			s.sweepOrder(ctx, o, cutoff, &rep)
		}

		if next == nil {
			rep.Complete = true
			break
		}
		start = next
	}

	if rep.Deleted > 0 && s.metrics != nil {
		if err := s.metrics.Count(ctx, MetricOrdersSwept, float64(rep.Deleted), nil); err != nil {
			s.logger.Warn("publish metric", "metric", MetricOrdersSwept, "err", err)
		}
	}
	s.logger.Info("sweep finished",
		"scanned", rep.Scanned,
		"deleted", rep.Deleted,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"pages", rep.Pages,
		"complete", rep.Complete)
	return rep, nil
}

func (s *Sweeper) sweepOrder(ctx context.Context, o ledger.Order, cutoff time.Time, rep *Report) {
	// payment rows can exist before the order link is written
	paid, err := s.ledger.OrderHasPayment(ctx, o.OrderID)
	if err != nil {
		rep.Failed++
		s.logger.Warn("check order payment", "order_id", o.OrderID, "err", err)
		return
	}
	if paid {
		rep.Skipped++
		return
	}

	deleted, err := s.ledger.DeleteAbandonedOrder(ctx, o.OrderID, cutoff)
	switch {
	case err != nil:
		rep.Failed++
		s.logger.Warn("delete abandoned order", "order_id", o.OrderID, "err", err)
	case !deleted:
		rep.Skipped++
	default:
		rep.Deleted++
		s.logger.Info("abandoned order removed",
			"order_id", o.OrderID,
			"user_id", o.UserID,
			"canteen_id", o.CanteenID,
			"created_at", o.CreatedAt)
	}
}

// Run sweeps every Interval until ctx is cancelled. Errors are logged and the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.opts.Interval.String(), "grace_period", s.opts.GracePeriod.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "err", err)
			}
		}
	}
}
