// Package checkout orchestrates the order lifecycle: creating an order with a gateway
// payment session, cancelling it with a refund when money was taken, and the canteen's
// fulfillment steps.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/gateway"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/notify"
)

// Ledger is the subset of *ledger.Store the orchestrator uses.
type Ledger interface {
	CreateOrder(ctx context.Context, o ledger.Order) error
	GetOrder(ctx context.Context, orderID string) (*ledger.Order, error)
	SetSession(ctx context.Context, orderID, sessionID string) error
	TransitionOrder(ctx context.Context, orderID, from, to string, at time.Time) error
	ListOrdersByBuyer(ctx context.Context, userID, canteenID string) ([]ledger.Order, error)
	FindPaymentForOrder(ctx context.Context, orderID string) (*ledger.Payment, error)
	CancelOrder(ctx context.Context, orderID string, refund *ledger.RefundRecord, at time.Time) error
	RecordRefund(ctx context.Context, refund ledger.RefundRecord, at time.Time) error
}

// Gateway creates payment sessions and refunds.
type Gateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

// Directory resolves buyers and canteen staff.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*accounts.User, error)
	CanteenStaff(ctx context.Context, canteenID string) ([]string, error)
}

// Notifier is satisfied by *notify.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) ([]ledger.Notification, error)
}

// Options carries the gateway callback settings.
type Options struct {
	ReturnURL string
	NotifyURL string
	Currency  string
}

// Service is the order orchestrator.
type Service struct {
	ledger    Ledger
	gateway   Gateway
	directory Directory
	notifier  Notifier
	opts      Options
	logger    *slog.Logger
	nowFunc   func() time.Time
	newID     func() string
}

// NewService wires the orchestrator. notifier may be nil.
func NewService(l Ledger, gw Gateway, dir Directory, notifier Notifier, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    l,
		gateway:   gw,
		directory: dir,
		notifier:  notifier,
		opts:      opts,
		logger:    logger,
		nowFunc:   time.Now,
		newID:     newOrderID,
	}
}

func (s *Service) now() time.Time { return s.nowFunc().UTC() }

// notifyBestEffort never fails the caller; notification fan-out is a side channel.
func (s *Service) notifyBestEffort(ctx context.Context, req notify.Request) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Notify(ctx, req); err != nil {
		s.logger.Warn("notification failed",
			"related_ref", req.RelatedRef,
			"title", req.Title,
			"err", err)
	}
}

// notifyCanteen sends a lifecycle notice to the order's canteen staff. It uses the system type
// because the order type on this ref is taken by the new-order notice.
func (s *Service) notifyCanteen(ctx context.Context, order *ledger.Order, title, message string) {
	staff, err := s.directory.CanteenStaff(ctx, order.CanteenID)
	if err != nil {
		s.logger.Warn("lookup canteen staff", "canteen_id", order.CanteenID, "err", err)
		return
	}
	if len(staff) == 0 {
		s.logger.Warn("canteen has no staff account", "canteen_id", order.CanteenID, "order_id", order.OrderID)
		return
	}
	s.notifyBestEffort(ctx, notify.Request{
		UserIDs:      staff,
		ReceiverRole: ledger.RoleCanteen,
		CanteenID:    order.CanteenID,
		Title:        title,
		Message:      message,
		Type:         ledger.NotifySystem,
		RelatedRef:   order.OrderID,
		RefModel:     ledger.RefModelOrder,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ledger.ErrOrderNotFound)
}
