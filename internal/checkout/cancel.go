package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/gateway"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
)

// CancelInput identifies the order and the buyer asking to cancel it. An empty BuyerID
// skips the ownership check (admin cancellation).
type CancelInput struct {
	OrderID string
	BuyerID string
}

// CancelOrder cancels a Pending order on behalf of its buyer. A prepaid order with a
// successful payment is refunded first; if the refund fails nothing is changed.
func (s *Service) CancelOrder(ctx context.Context, in CancelInput) (*ledger.Order, error) {
	const op = "checkout.CancelOrder"

	order, err := s.ledger.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if order == nil {
		return nil, apperr.NotFound(op, "order not found")
	}
	if in.BuyerID != "" && order.UserID != in.BuyerID {
		return nil, apperr.Forbidden(op, "order belongs to another user")
	}
	if order.OrderStatus != ledger.OrderPending {
		return nil, apperr.Conflict(op, "order cannot be cancelled at this stage")
	}

	var refund *ledger.RefundRecord
	if order.IsPrepaid() || order.PaymentStatus == ledger.PaymentPaid {
		payment, err := s.ledger.FindPaymentForOrder(ctx, order.OrderID)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		if payment != nil && payment.PaymentStatus == ledger.TxnSuccess {
			if payment.RefundStatus == ledger.RefundRefunded {
				return nil, apperr.Conflict(op, "payment already refunded")
			}
			refund, err = s.refund(ctx, order, payment)
			if err != nil {
				return nil, err
			}
		}
	}

	at := s.now()
	if err := s.ledger.CancelOrder(ctx, order.OrderID, refund, at); err != nil {
		switch {
		case errors.Is(err, ledger.ErrStatusMismatch):
			if refund != nil {
				// money already moved; keep the payment truthful even though the order advanced
				if rerr := s.ledger.RecordRefund(ctx, *refund, at); rerr != nil {
					s.logger.Error("record refund after lost cancel race",
						"order_id", order.OrderID,
						"payment_id", refund.PaymentID,
						"refund_id", refund.RefundID,
						"err", rerr)
				}
				s.logger.Error("refund issued for order that left Pending",
					"order_id", order.OrderID,
					"payment_id", refund.PaymentID,
					"refund_id", refund.RefundID)
			} else if s.paidWhileCancelling(ctx, order.OrderID) {
				return nil, apperr.Conflict(op, "payment received while cancelling, retry to cancel with a refund")
			}
			return nil, apperr.Conflict(op, "order cannot be cancelled at this stage")
		case errors.Is(err, ledger.ErrAlreadyRefunded):
			return nil, apperr.Conflict(op, "payment already refunded")
		}
		return nil, apperr.Persistence(op, err)
	}

	order.OrderStatus = ledger.OrderCancelled
	order.UpdatedAt = at

	logArgs := []any{"order_id", order.OrderID, "user_id", order.UserID}
	if refund != nil {
		logArgs = append(logArgs, "refund_id", refund.RefundID, "refund_status", refund.Status)
	}
	s.logger.Info("order cancelled", logArgs...)

	s.notifyCanteen(ctx, order, "Order Cancelled",
		fmt.Sprintf("Order #%s has been cancelled by the customer.", shortRef(order.OrderID)))

	return order, nil
}

// paidWhileCancelling reports whether a cancel without refund lost to a payment that
// landed after the order was read.
func (s *Service) paidWhileCancelling(ctx context.Context, orderID string) bool {
	current, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil || current == nil {
		return false
	}
	if current.OrderStatus == ledger.OrderPending && current.PaymentStatus == ledger.PaymentPaid {
		s.logger.Warn("cancel raced a payment", "order_id", orderID, "payment_id", current.PaymentID)
		return true
	}
	return false
}

func (s *Service) refund(ctx context.Context, order *ledger.Order, payment *ledger.Payment) (*ledger.RefundRecord, error) {
	const op = "checkout.CancelOrder"

	res, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		OrderID:       order.OrderID,
		TransactionID: payment.TransactionID,
		Amount:        payment.AmountPaid,
		Note:          "Order cancelled by customer",
	})
	if err != nil {
		s.logger.Error("refund request failed",
			"order_id", order.OrderID,
			"transaction_id", payment.TransactionID,
			"err", err)
		return nil, apperr.Gateway(op, "refund failed", gatewayDetail(err), err)
	}
	if !res.Success {
		s.logger.Warn("refund rejected",
			"order_id", order.OrderID,
			"transaction_id", payment.TransactionID,
			"status", res.Status,
			"reason", res.Reason)
		return nil, apperr.Gateway(op, "refund failed", map[string]any{
			"status": res.Status,
			"reason": res.Reason,
		}, nil)
	}

	status := ledger.RefundProcessing
	if res.Settled {
		status = ledger.RefundRefunded
	}
	return &ledger.RefundRecord{
		PaymentID: payment.PaymentID,
		Status:    status,
		Amount:    payment.AmountPaid,
		RefundID:  res.RefundID,
	}, nil
}

// shortRef is the human-facing order reference used in notification text.
func shortRef(orderID string) string {
	if len(orderID) > 8 {
		return orderID[len(orderID)-8:]
	}
	return orderID
}
