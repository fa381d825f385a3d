package gateway

import "fmt"

// Customer identifies the payer to the gateway.
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// SessionRequest asks the gateway for a payment session scoped to one order.
type SessionRequest struct {
	OrderID   string
	Amount    float64
	Currency  string
	Customer  Customer
	ReturnURL string
	NotifyURL string
	Note      string
}

// Session is returned to the client to complete payment on the gateway page.
type Session struct {
	Token    string         `json:"sessionId"`
	Metadata map[string]any `json:"orderData"`
}

// RefundRequest refunds a settled transaction.
type RefundRequest struct {
	OrderID       string
	TransactionID string
	Amount        float64
	Note          string
}

// RefundResult reports the provider's answer. Success is false when the provider rejected
// the refund; Settled is true once the money has moved.
type RefundResult struct {
	Success  bool
	Settled  bool
	RefundID string
	Status   string
	Reason   string
}

// Error is a transport failure or an unexpected provider response.
type Error struct {
	Op         string
	StatusCode int    // zero on transport failure
	Code       string // provider error code
	Message    string // provider error message
	Body       string // raw response body
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("cashfree %s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("cashfree %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("cashfree %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the diagnostic surfaced to API callers.
func (e *Error) Detail() map[string]any {
	d := map[string]any{"status": e.StatusCode}
	if e.Code != "" {
		d["code"] = e.Code
	}
	if e.Message != "" {
		d["message"] = e.Message
	}
	if e.Err != nil {
		d["message"] = e.Err.Error()
	}
	return d
}

type providerError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}
