package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order payment statuses.
const (
	PaymentPending = "Pending"
	PaymentPaid    = "Paid"
	PaymentFailed  = "Failed"
)

// Order fulfillment statuses. Transitions run forward along
// Pending -> Preparing -> Ready For Pickup -> Completed; Cancelled is reachable only from Pending.
const (
	OrderPending   = "Pending"
	OrderPreparing = "Preparing"
	OrderReady     = "Ready For Pickup"
	OrderCompleted = "Completed"
	OrderCancelled = "Cancelled"
)

// Payment methods.
const (
	MethodUPI  = "upi"
	MethodCard = "card"
	MethodCOD  = "Cash On Delivery"
)

// Payment record statuses, in the provider-facing vocabulary.
const (
	TxnSuccess = "SUCCESS"
	TxnFail    = "Fail"
	TxnPending = "Pending"
)

// Refund statuses.
const (
	RefundNotRequested = "Not Requested"
	RefundProcessing   = "Processing"
	RefundRefunded     = "Refunded"
)

// Notification receivers and types.
const (
	RoleStudent = "student"
	RoleCanteen = "canteen"
	RoleAdmin   = "admin"

	NotifyOrder  = "order"
	NotifySystem = "system"
	NotifyPromo  = "promo"
)

const (
	// PlaceholderSession is stored on a new order until the gateway returns a session token.
	PlaceholderSession = "pending"
	ProviderCashfree   = "Cashfree"
	RefModelOrder      = "Order"
	RefModelPayment    = "Payment"
)

// IsPaymentMethod reports whether m belongs to the closed set of payment methods.
func IsPaymentMethod(m string) bool {
	switch m {
	case MethodUPI, MethodCard, MethodCOD:
		return true
	}
	return false
}

// IsCashOnDelivery matches the cash method case-insensitively; older clients send it lowercased.
func IsCashOnDelivery(m string) bool {
	return strings.EqualFold(strings.TrimSpace(m), MethodCOD)
}

var orderRank = map[string]int{
	OrderPending:   0,
	OrderPreparing: 1,
	OrderReady:     2,
	OrderCompleted: 3,
}

// CanAdvance reports whether from -> to is a forward fulfillment step.
func CanAdvance(from, to string) bool {
	f, ok1 := orderRank[from]
	t, ok2 := orderRank[to]
	return ok1 && ok2 && t == f+1
}

// Offer is the snapshot of a promotion applied to a line item at checkout.
type Offer struct {
	OfferType  string     `dynamodbav:"offer_type" json:"offerType"`
	Discount   float64    `dynamodbav:"discount" json:"discount"`
	ValidUntil *time.Time `dynamodbav:"valid_until,omitempty" json:"validUntil,omitempty"`
}

// LineItem is a frozen copy of a cart line; later catalog changes never touch it.
type LineItem struct {
	ProductID  string  `dynamodbav:"product_id" json:"productId"`
	Name       string  `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Price      float64 `dynamodbav:"price" json:"price"`
	Quantity   int     `dynamodbav:"quantity" json:"quantity"`
	TotalPrice float64 `dynamodbav:"total_price" json:"totalPrice"`
	Offers     []Offer `dynamodbav:"offers,omitempty" json:"offers,omitempty"`
}

// Order is the item stored in the orders table.
type Order struct {
	OrderID       string     `dynamodbav:"order_id" json:"orderId"` // PK
	UserID        string     `dynamodbav:"user_id" json:"userId"`
	CanteenID     string     `dynamodbav:"canteen_id" json:"canteenId"`
	CollegeID     string     `dynamodbav:"college_id,omitempty" json:"collegeId,omitempty"`
	Items         []LineItem `dynamodbav:"items" json:"items"`
	TotalAmount   float64    `dynamodbav:"total_amount" json:"totalAmount"`
	PaymentMethod string     `dynamodbav:"payment_method" json:"paymentMethod"`
	PaymentStatus string     `dynamodbav:"payment_status" json:"paymentStatus"`
	OrderStatus   string     `dynamodbav:"order_status" json:"orderStatus"`
	SessionID     string     `dynamodbav:"session_id" json:"sessionId"`
	PaymentID     string     `dynamodbav:"payment_id,omitempty" json:"paymentId,omitempty"` // absent until a Payment exists
	PickupTime    *time.Time `dynamodbav:"pickup_time,omitempty" json:"pickupTime,omitempty"`
	DeliveredAt   *time.Time `dynamodbav:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	CreatedAt     time.Time  `dynamodbav:"created_at" json:"createdAt"`
	CreatedEpoch  int64      `dynamodbav:"created_epoch" json:"-"` // GSI range key, unix seconds
	UpdatedAt     time.Time  `dynamodbav:"updated_at" json:"updatedAt"`
}

// IsPrepaid reports whether the order is settled through the gateway.
func (o *Order) IsPrepaid() bool {
	return !IsCashOnDelivery(o.PaymentMethod)
}

// Payment is one gateway transaction. PaymentID is derived from TransactionID.
type Payment struct {
	PaymentID      string     `dynamodbav:"payment_id" json:"paymentId"` // PK
	OrderID        string     `dynamodbav:"order_id" json:"orderId"`
	UserID         string     `dynamodbav:"user_id" json:"userId"`
	CanteenID      string     `dynamodbav:"canteen_id" json:"canteenId"`
	PaymentMethod  string     `dynamodbav:"payment_method" json:"paymentMethod"`
	PaymentStatus  string     `dynamodbav:"payment_status" json:"paymentStatus"`
	TransactionID  string     `dynamodbav:"transaction_id" json:"transactionId"`
	Provider       string     `dynamodbav:"payment_provider" json:"paymentProvider"`
	AmountPaid     float64    `dynamodbav:"amount_paid" json:"amountPaid"`
	PaymentTime    time.Time  `dynamodbav:"payment_time" json:"paymentTime"`
	RefundStatus   string     `dynamodbav:"refund_status" json:"refundStatus"`
	RefundedAmount float64    `dynamodbav:"refunded_amount" json:"refundedAmount"`
	RefundTime     *time.Time `dynamodbav:"refund_time,omitempty" json:"refundTime,omitempty"`
	RefundID       string     `dynamodbav:"refund_id,omitempty" json:"refundId,omitempty"`
	WebhookPayload string     `dynamodbav:"webhook_payload,omitempty" json:"-"`
	CreatedAt      time.Time  `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `dynamodbav:"updated_at" json:"updatedAt"`
}

// Notification is a stored message for one user or, with ToAll, for a whole role.
type Notification struct {
	NotificationID string    `dynamodbav:"notification_id" json:"id"` // PK
	UserID         string    `dynamodbav:"user_id,omitempty" json:"userId,omitempty"`
	CanteenID      string    `dynamodbav:"canteen_id,omitempty" json:"canteenId,omitempty"`
	ReceiverRole   string    `dynamodbav:"receiver_role" json:"receiverRole"`
	Title          string    `dynamodbav:"title" json:"title"`
	Message        string    `dynamodbav:"message" json:"message"`
	Type           string    `dynamodbav:"type" json:"type"`
	IsRead         bool      `dynamodbav:"is_read" json:"isRead"`
	RelatedRef     string    `dynamodbav:"related_ref,omitempty" json:"relatedRef,omitempty"`
	RefModel       string    `dynamodbav:"ref_model,omitempty" json:"refModel,omitempty"`
	ToAll          bool      `dynamodbav:"to_all" json:"toAll"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"createdAt"`
	CreatedEpoch   int64     `dynamodbav:"created_epoch" json:"-"`
}

var (
	paymentNamespace      = uuid.NewSHA1(uuid.NameSpaceURL, []byte("canteen-orderflow/payments"))
	notificationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("canteen-orderflow/notifications"))
)

// PaymentIDFor derives the payment key from the gateway transaction id, so a second
// write for the same transaction collides on the primary key.
func PaymentIDFor(transactionID string) string {
	return uuid.NewSHA1(paymentNamespace, []byte(transactionID)).String()
}

// NotificationIDFor derives the notification key from its dedupe tuple.
func NotificationIDFor(relatedRef, userID, receiverRole, kind string) string {
	name := strings.Join([]string{relatedRef, userID, receiverRole, kind}, "|")
	return uuid.NewSHA1(notificationNamespace, []byte(name)).String()
}
