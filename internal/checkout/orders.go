package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/notify"
)

// PaymentStatusView is what the client polls after returning from the gateway.
type PaymentStatusView struct {
	OrderID       string          `json:"orderId"`
	OrderStatus   string          `json:"orderStatus"`
	PaymentStatus string          `json:"paymentStatus"`
	PaymentMethod string          `json:"paymentMethod"`
	Payment       *ledger.Payment `json:"payment,omitempty"`
}

// PaymentStatus reports an order's payment state. requesterID, when set, must own the order.
func (s *Service) PaymentStatus(ctx context.Context, orderID, requesterID string) (*PaymentStatusView, error) {
	const op = "checkout.PaymentStatus"

	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if order == nil {
		return nil, apperr.NotFound(op, "order not found")
	}
	if requesterID != "" && order.UserID != requesterID {
		return nil, apperr.Forbidden(op, "order belongs to another user")
	}

	view := &PaymentStatusView{
		OrderID:       order.OrderID,
		OrderStatus:   order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		PaymentMethod: order.PaymentMethod,
	}
	if order.PaymentID != "" {
		payment, err := s.ledger.FindPaymentForOrder(ctx, order.OrderID)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		view.Payment = payment
	}
	return view, nil
}

// ListOrders returns the buyer's orders at one canteen, newest first.
func (s *Service) ListOrders(ctx context.Context, userID, canteenID string) ([]ledger.Order, error) {
	const op = "checkout.ListOrders"
	if userID == "" || canteenID == "" {
		return nil, apperr.Validation(op, "user id and canteen id are required")
	}
	orders, err := s.ledger.ListOrdersByBuyer(ctx, userID, canteenID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return orders, nil
}

// AdvanceInput moves an order one fulfillment step forward on behalf of canteen staff.
type AdvanceInput struct {
	OrderID string
	Status  string
	StaffID string
}

// AdvanceOrder applies a canteen fulfillment step. Steps are forward-only and a prepaid
// order cannot start preparing until its payment is confirmed.
func (s *Service) AdvanceOrder(ctx context.Context, in AdvanceInput) (*ledger.Order, error) {
	const op = "checkout.AdvanceOrder"

	switch in.Status {
	case ledger.OrderPreparing, ledger.OrderReady, ledger.OrderCompleted:
	default:
		return nil, apperr.Validation(op, fmt.Sprintf("unsupported status %q", in.Status))
	}

	order, err := s.ledger.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if order == nil {
		return nil, apperr.NotFound(op, "order not found")
	}

	if in.StaffID != "" {
		staff, err := s.directory.GetUser(ctx, in.StaffID)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		if staff == nil {
			return nil, apperr.NotFound(op, "user not found")
		}
		if staff.Role != accounts.RoleAdmin && staff.CanteenID != order.CanteenID {
			return nil, apperr.Forbidden(op, "order belongs to another canteen")
		}
	}

	if !ledger.CanAdvance(order.OrderStatus, in.Status) {
		return nil, apperr.Conflict(op, fmt.Sprintf("cannot move order from %s to %s", order.OrderStatus, in.Status))
	}
	if order.OrderStatus == ledger.OrderPending && order.IsPrepaid() && order.PaymentStatus != ledger.PaymentPaid {
		return nil, apperr.Conflict(op, "order is not paid")
	}

	at := s.now()
	if err := s.ledger.TransitionOrder(ctx, order.OrderID, order.OrderStatus, in.Status, at); err != nil {
		if errors.Is(err, ledger.ErrStatusMismatch) {
			return nil, apperr.Conflict(op, "order status changed concurrently")
		}
		return nil, apperr.Persistence(op, err)
	}

	from := order.OrderStatus
	order.OrderStatus = in.Status
	order.UpdatedAt = at
	switch in.Status {
	case ledger.OrderReady:
		order.PickupTime = &at
	case ledger.OrderCompleted:
		order.DeliveredAt = &at
	}

	s.logger.Info("order advanced",
		"order_id", order.OrderID,
		"from", from,
		"to", in.Status,
		"staff_id", in.StaffID)

	if in.Status == ledger.OrderReady {
		s.notifyBestEffort(ctx, notify.Request{
			UserIDs:      []string{order.UserID},
			ReceiverRole: ledger.RoleStudent,
			CanteenID:    order.CanteenID,
			Title:        "Order Ready For Pickup",
			Message:      fmt.Sprintf("Your order #%s is ready for pickup.", shortRef(order.OrderID)),
			// order type on this ref is taken by the placed notice
			Type:         ledger.NotifySystem,
			RelatedRef:   order.OrderID,
			RefModel:     ledger.RefModelOrder,
		})
	}
	return order, nil
}
