// Package webhook reconciles Cashfree payment webhooks into the ledger. Delivery is
// at-least-once, so every step is keyed on the provider transaction id.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/notify"
)

// Metric names.
const (
	MetricPaymentsRecorded  = "PaymentsRecorded"
	MetricWebhookDuplicates = "WebhookDuplicates"
)

type Ledger interface {
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*ledger.Payment, error)
	GetOrder(ctx context.Context, orderID string) (*ledger.Order, error)
	RecordPayment(ctx context.Context, p ledger.Payment, upd ledger.OrderPaymentUpdate) (*ledger.Payment, error)
}

type Directory interface {
	GetUser(ctx context.Context, userID string) (*accounts.User, error)
	CanteenStaff(ctx context.Context, canteenID string) ([]string, error)
}

type Notifier interface {
	Notify(ctx context.Context, req notify.Request) ([]ledger.Notification, error)
}

// Counter is satisfied by *aws.Metrics.
type Counter interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string) error
}

// Outcome describes what a delivery did.
type Outcome struct {
	OrderID       string
	TransactionID string
	PaymentID     string
	PaymentStatus string
	Duplicate     bool
}

type Reconciler struct {
	ledger    Ledger
	directory Directory
	notifier  Notifier
	metrics   Counter
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewReconciler wires a Reconciler. notifier and metrics may be nil.
func NewReconciler(l Ledger, dir Directory, notifier Notifier, metrics Counter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:    l,
		directory: dir,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Handle applies one webhook delivery. A repeated delivery for an already recorded
// transaction returns a Duplicate outcome and a nil error.
func (r *Reconciler) Handle(ctx context.Context, raw []byte) (*Outcome, error) {
	const op = "webhook.Handle"

	ev, err := ParseEvent(raw)
	if err != nil {
		return nil, apperr.Validation(op, err.Error())
	}
	out := &Outcome{OrderID: ev.OrderID, TransactionID: ev.TransactionID}

	existing, err := r.ledger.GetPaymentByTransaction(ctx, ev.TransactionID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if existing != nil {
		if existing.OrderID != ev.OrderID {
			r.logger.Warn("transaction already recorded for another order",
				"transaction_id", ev.TransactionID,
				"order_id", ev.OrderID,
				"recorded_order_id", existing.OrderID)
		}
		return r.duplicate(ctx, out, existing.PaymentID, existing.PaymentStatus), nil
	}

	order, err := r.ledger.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if order == nil {
		r.logger.Warn("webhook for unknown order",
			"order_id", ev.OrderID,
			"transaction_id", ev.TransactionID)
		return nil, apperr.NotFound(op, "order not found")
	}
	if order.OrderStatus == ledger.OrderCancelled {
		r.logger.Warn("payment received for cancelled order",
			"order_id", order.OrderID,
			"transaction_id", ev.TransactionID,
			"payment_status", ev.Status)
	}

	now := r.nowFunc().UTC()
	paidAt := ev.PaymentTime
	if paidAt.IsZero() {
		paidAt = now
	}

	txnStatus, orderStatus := mapStatus(ev.Status)
	method := mapMethod(ev.Group, order.PaymentMethod)

	payment, err := r.ledger.RecordPayment(ctx, ledger.Payment{
		OrderID:        order.OrderID,
		UserID:         order.UserID,
		CanteenID:      order.CanteenID,
		PaymentMethod:  method,
		PaymentStatus:  txnStatus,
		TransactionID:  ev.TransactionID,
		Provider:       ledger.ProviderCashfree,
		AmountPaid:     ev.Amount,
		PaymentTime:    paidAt,
		WebhookPayload: string(ev.Data),
	}, ledger.OrderPaymentUpdate{
		PaymentStatus: orderStatus,
		PaymentMethod: method,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicatePayment):
			// a concurrent delivery won the insert
			return r.duplicate(ctx, out, ledger.PaymentIDFor(ev.TransactionID), txnStatus), nil
		case errors.Is(err, ledger.ErrOrderNotFound):
			return nil, apperr.NotFound(op, "order not found")
		}
		return nil, apperr.Persistence(op, err)
	}

	out.PaymentID = payment.PaymentID
	out.PaymentStatus = payment.PaymentStatus

	r.logger.Info("payment recorded",
		"order_id", order.OrderID,
		"payment_id", payment.PaymentID,
		"transaction_id", ev.TransactionID,
		"payment_status", txnStatus,
		"amount", ev.Amount,
		"payment_method", method)
	r.count(ctx, MetricPaymentsRecorded, map[string]string{"Status": txnStatus})

	if txnStatus != ledger.TxnSuccess && r.orderPaid(ctx, order.OrderID) {
		// a successful transaction already settled the order; this one changes nothing for the buyer
		r.logger.Info("failed transaction after order was paid",
			"order_id", order.OrderID,
			"transaction_id", ev.TransactionID)
		return out, nil
	}
	r.announce(ctx, order, payment)
	return out, nil
}

func (r *Reconciler) duplicate(ctx context.Context, out *Outcome, paymentID, status string) *Outcome {
	out.Duplicate = true
	out.PaymentID = paymentID
	out.PaymentStatus = status
	r.logger.Info("duplicate webhook ignored",
		"order_id", out.OrderID,
		"transaction_id", out.TransactionID)
	r.count(ctx, MetricWebhookDuplicates, nil)
	return out
}

func (r *Reconciler) orderPaid(ctx context.Context, orderID string) bool {
	current, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		r.logger.Warn("reload order", "order_id", orderID, "err", err)
		return false
	}
	return current != nil && current.PaymentStatus == ledger.PaymentPaid
}

// announce tells the buyer and the canteen about a first-time payment. Failures are logged only.
func (r *Reconciler) announce(ctx context.Context, order *ledger.Order, payment *ledger.Payment) {
	if r.notifier == nil {
		return
	}
	ref := order.OrderID

	if payment.PaymentStatus != ledger.TxnSuccess {
		// keyed on the payment so each failed attempt is told once and order notices stay free
		r.notify(ctx, notify.Request{
			UserIDs:      []string{order.UserID},
			ReceiverRole: ledger.RoleStudent,
			CanteenID:    order.CanteenID,
			Title:        "Payment Failed",
			Message:      fmt.Sprintf("Payment for order #%s did not go through. No food will be prepared.", ref),
			Type:         ledger.NotifySystem,
			RelatedRef:   payment.PaymentID,
			RefModel:     ledger.RefModelPayment,
		})
		return
	}

	r.notify(ctx, notify.Request{
		UserIDs:      []string{order.UserID},
		ReceiverRole: ledger.RoleStudent,
		CanteenID:    order.CanteenID,
		Title:        "Order Placed Successfully",
		Message:      fmt.Sprintf("Your order #%s has been placed. We'll notify you when it's ready.", ref),
		Type:         ledger.NotifyOrder,
		RelatedRef:   ref,
		RefModel:     ledger.RefModelOrder,
	})

	staff, err := r.directory.CanteenStaff(ctx, order.CanteenID)
	if err != nil {
		r.logger.Warn("lookup canteen staff", "canteen_id", order.CanteenID, "err", err)
		return
	}
	if len(staff) == 0 {
		r.logger.Warn("canteen has no staff account", "canteen_id", order.CanteenID, "order_id", ref)
		return
	}

	buyerName := "a customer"
	if u, err := r.directory.GetUser(ctx, order.UserID); err == nil && u != nil && u.Name != "" {
		buyerName = u.Name
	}
	r.notify(ctx, notify.Request{
		UserIDs:      staff,
		ReceiverRole: ledger.RoleCanteen,
		CanteenID:    order.CanteenID,
		Title:        "New Order Received",
		Message:      fmt.Sprintf("Order #%s placed by %s. Please prepare it.", ref, buyerName),
		Type:         ledger.NotifyOrder,
		RelatedRef:   ref,
		RefModel:     ledger.RefModelOrder,
	})
}

func (r *Reconciler) notify(ctx context.Context, req notify.Request) {
	if _, err := r.notifier.Notify(ctx, req); err != nil {
		r.logger.Warn("notification failed",
			"related_ref", req.RelatedRef,
			"title", req.Title,
			"err", err)
	}
}

func (r *Reconciler) count(ctx context.Context, name string, dims map[string]string) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.Count(ctx, name, 1, dims); err != nil {
		r.logger.Warn("publish metric", "metric", name, "err", err)
	}
}

// mapStatus translates the provider status into the payment and order vocabularies.
func mapStatus(providerStatus string) (txn, order string) {
	if strings.EqualFold(providerStatus, "SUCCESS") {
		return ledger.TxnSuccess, ledger.PaymentPaid
	}
	return ledger.TxnFail, ledger.PaymentFailed
}

// mapMethod folds Cashfree payment groups into the closed method set.
func mapMethod(group, fallback string) string {
	g := strings.ToLower(group)
	switch {
	case g == "upi":
		return ledger.MethodUPI
	case strings.Contains(g, "card"):
		return ledger.MethodCard
	}
	return fallback
}
