package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/gateway"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
)

// CreateOrderInput is a priced cart ready for checkout. Line items are taken as priced by
// the catalog; nothing is re-priced here.
type CreateOrderInput struct {
	BuyerID       string
	CanteenID     string
	CollegeID     string
	TotalAmount   float64
	Items         []ledger.LineItem
	PaymentMethod string
}

// CheckoutResult is returned to the client to complete payment on the gateway.
type CheckoutResult struct {
	OrderID   string         `json:"orderId"`
	SessionID string         `json:"sessionId"`
	OrderData map[string]any `json:"orderData"`
}

func newOrderID() string { return uuid.NewString() }

// toPaise converts rupees to integer paise so totals compare exactly.
func toPaise(v float64) int64 {
	return int64(math.Round(v * 100))
}

func validateCart(in CreateOrderInput) error {
	switch {
	case strings.TrimSpace(in.BuyerID) == "":
		return errors.New("buyer id is required")
	case strings.TrimSpace(in.CanteenID) == "":
		return errors.New("canteen id is required")
	case len(in.Items) == 0:
		return errors.New("cart is empty")
	case in.TotalAmount <= 0:
		return errors.New("total amount must be positive")
	case !ledger.IsPaymentMethod(in.PaymentMethod):
		return fmt.Errorf("unsupported payment method %q", in.PaymentMethod)
	}

	var sum int64
	for i, it := range in.Items {
		if it.ProductID == "" {
			return fmt.Errorf("item %d: product id is required", i)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("item %d: quantity must be at least 1", i)
		}
		if it.TotalPrice < 0 || it.Price < 0 {
			return fmt.Errorf("item %d: negative price", i)
		}
		sum += toPaise(it.TotalPrice)
	}
	if sum != toPaise(in.TotalAmount) {
		return fmt.Errorf("total amount %.2f does not match line totals %.2f", in.TotalAmount, float64(sum)/100)
	}
	return nil
}

// CreateOrder persists a Pending order and opens a gateway payment session for it.
//
// If the gateway fails the order stays Pending with the placeholder session; it is never
// linked to a payment and the sweeper removes it.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CheckoutResult, error) {
	const op = "checkout.CreateOrder"
	if err := validateCart(in); err != nil {
		return nil, apperr.Validation(op, err.Error())
	}

	buyer, err := s.directory.GetUser(ctx, in.BuyerID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if buyer == nil {
		return nil, apperr.NotFound(op, "user not found")
	}

	// line items are frozen copies of the cart at this instant
	items := make([]ledger.LineItem, len(in.Items))
	copy(items, in.Items)

	order := ledger.Order{
		OrderID:       s.newID(),
		UserID:        in.BuyerID,
		CanteenID:     in.CanteenID,
		CollegeID:     in.CollegeID,
		Items:         items,
		TotalAmount:   in.TotalAmount,
		PaymentMethod: in.PaymentMethod,
		PaymentStatus: ledger.PaymentPending,
		OrderStatus:   ledger.OrderPending,
		SessionID:     ledger.PlaceholderSession,
		CreatedAt:     s.now(),
	}
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		return nil, apperr.Persistence(op, err)
	}

	session, err := s.gateway.CreateSession(ctx, gateway.SessionRequest{
		OrderID:  order.OrderID,
		Amount:   order.TotalAmount,
		Currency: s.opts.Currency,
		Customer: gateway.Customer{
			ID:    buyer.UserID,
			Name:  firstNonEmpty(buyer.Username, buyer.Name),
			Email: buyer.Email,
			Phone: buyer.Phone,
		},
		ReturnURL: s.opts.ReturnURL,
		NotifyURL: s.opts.NotifyURL,
	})
	if err != nil {
		s.logger.Error("create payment session",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"err", err)
		return nil, apperr.Gateway(op, "error creating payment session", gatewayDetail(err), err)
	}

	if err := s.ledger.SetSession(ctx, order.OrderID, session.Token); err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound(op, "order not found")
		}
		return nil, apperr.Persistence(op, err)
	}

	s.logger.Info("order created",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"canteen_id", order.CanteenID,
		"total_amount", order.TotalAmount,
		"payment_method", order.PaymentMethod)

	return &CheckoutResult{
		OrderID:   order.OrderID,
		SessionID: session.Token,
		OrderData: session.Metadata,
	}, nil
}

func gatewayDetail(err error) any {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Detail()
	}
	return map[string]any{"message": err.Error()}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
