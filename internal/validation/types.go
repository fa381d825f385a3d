package validation

import "time"

// Offer is the promotion snapshot the client attaches to a cart line.
type Offer struct {
	OfferType  string     `json:"offerType"`
	Discount   float64    `json:"discount" validate:"gte=0"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// CartItem is one priced cart line.
type CartItem struct {
	ProductID  string  `json:"productId" validate:"required"`
	Name       string  `json:"name"`
	Price      float64 `json:"price" validate:"gte=0"`              // unit price
	Quantity   int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	TotalPrice float64 `json:"totalPrice" validate:"gte=0"`        // line total after offers
	Offers     []Offer `json:"offers,omitempty" validate:"dive"`
}

// CreateOrderRequest is the payload for POST /payment/get-session-id/:userId
type CreateOrderRequest struct {
	CanteenID     string     `json:"canteenId" validate:"required"`
	CollegeID     string     `json:"collegeId"`
	TotalAmount   float64    `json:"totalAmount" validate:"required,gt=0"`
	CartItems     []CartItem `json:"cartItems" validate:"required,min=1,dive"`
	PaymentMethod string     `json:"paymentMethod" validate:"required,oneof=upi card 'Cash On Delivery'"`
}

// AdvanceOrderRequest is the payload for PUT /canteen/orders/:orderId/status
type AdvanceOrderRequest struct {
	Status string `json:"status" validate:"required,oneof=Preparing 'Ready For Pickup' Completed"`
}
