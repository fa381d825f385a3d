// Package gateway talks to the Cashfree payment gateway.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	SandboxURL    = "https://sandbox.cashfree.com"
	ProductionURL = "https://api.cashfree.com"

	defaultAPIVersion     = "2023-08-01"
	defaultPaymentMethods = "cc,dc,upi"
	fallbackPhone         = "0000000000"
)

// Refund statuses reported by the provider.
const (
	RefundSuccess   = "SUCCESS"
	RefundPending   = "PENDING"
	RefundOnHold    = "ONHOLD"
	RefundCancelled = "CANCELLED"
)

// Options configures a Client.
type Options struct {
	ClientID       string
	ClientSecret   string
	Environment    string // sandbox or production
	APIVersion     string
	BaseURL        string // overrides Environment
	Timeout        time.Duration
	PaymentMethods string
}

// Client is a Cashfree PG client. It keeps no per-order state.
type Client struct {
	http           *resty.Client
	paymentMethods string
}

func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = SandboxURL
		if opts.Environment == "production" {
			base = ProductionURL
		}
	}
	if opts.APIVersion == "" {
		opts.APIVersion = defaultAPIVersion
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PaymentMethods == "" {
		opts.PaymentMethods = defaultPaymentMethods
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetHeaders(map[string]string{
			"Content-Type":    "application/json",
			"Accept":          "application/json",
			"x-client-id":     opts.ClientID,
			"x-client-secret": opts.ClientSecret,
			"x-api-version":   opts.APIVersion,
		})

	return &Client{http: httpClient, paymentMethods: opts.PaymentMethods}
}

type customerDetails struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type orderMeta struct {
	ReturnURL      string `json:"return_url,omitempty"`
	NotifyURL      string `json:"notify_url,omitempty"`
	PaymentMethods string `json:"payment_methods,omitempty"`
}

type createOrderBody struct {
	OrderID         string          `json:"order_id"`
	OrderAmount     float64         `json:"order_amount"`
	OrderCurrency   string          `json:"order_currency"`
	CustomerDetails customerDetails `json:"customer_details"`
	OrderMeta       orderMeta       `json:"order_meta"`
	OrderNote       string          `json:"order_note,omitempty"`
}

// CreateSession registers the order with Cashfree and returns its payment session.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	phone := req.Customer.Phone
	if phone == "" {
		phone = fallbackPhone
	}
	currency := req.Currency
	if currency == "" {
		currency = "INR"
	}
	body := createOrderBody{
		OrderID:       req.OrderID,
		OrderAmount:   req.Amount,
		OrderCurrency: currency,
		CustomerDetails: customerDetails{
			CustomerID:    req.Customer.ID,
			CustomerName:  req.Customer.Name,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: phone,
		},
		OrderMeta: orderMeta{
			ReturnURL:      returnURL(req.ReturnURL, req.OrderID),
			NotifyURL:      req.NotifyURL,
			PaymentMethods: c.paymentMethods,
		},
		OrderNote: req.Note,
	}

	var (
		out     map[string]any
		failure providerError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&failure).
		Post("/pg/orders")
	if err != nil {
		return nil, &Error{Op: "create order", Err: err}
	}
	if resp.IsError() {
		return nil, &Error{
			Op:         "create order",
			StatusCode: resp.StatusCode(),
			Code:       failure.Code,
			Message:    failure.Message,
			Body:       resp.String(),
		}
	}

	token, _ := out["payment_session_id"].(string)
	if token == "" {
		return nil, &Error{Op: "create order", StatusCode: resp.StatusCode(), Message: "response has no payment_session_id", Body: resp.String()}
	}
	return &Session{Token: token, Metadata: out}, nil
}

// returnURL appends the order id unless the template already carries Cashfree's
// {order_id} placeholder.
func returnURL(tmpl, orderID string) string {
	if tmpl == "" || strings.Contains(tmpl, "{order_id}") {
		return tmpl
	}
	u, err := url.Parse(tmpl)
	if err != nil {
		return tmpl
	}
	q := u.Query()
	q.Set("order_id", orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

type refundBody struct {
	RefundAmount float64 `json:"refund_amount"`
	RefundID     string  `json:"refund_id"`
	RefundNote   string  `json:"refund_note,omitempty"`
}

type refundResponse struct {
	CFRefundID        string `json:"cf_refund_id"`
	RefundID          string `json:"refund_id"`
	RefundStatus      string `json:"refund_status"`
	StatusDescription string `json:"status_description"`
}

// RefundIDFor is the merchant refund id for a transaction. Reusing it makes a retried
// refund resolve to the original instead of paying out twice.
func RefundIDFor(transactionID string) string {
	return "rf_" + transactionID
}

// Refund asks Cashfree to refund a transaction. A provider rejection (4xx) is reported as
// RefundResult{Success: false} with a nil error; transport failures and 5xx responses
// return *Error.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	refundID := RefundIDFor(req.TransactionID)
	note := req.Note
	if note == "" {
		note = "Customer Order Cancellation"
	}

	var (
		out     refundResponse
		failure providerError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("order_id", req.OrderID).
		SetBody(refundBody{RefundAmount: req.Amount, RefundID: refundID, RefundNote: note}).
		SetResult(&out).
		SetError(&failure).
		Post("/pg/orders/{order_id}/refunds")
	if err != nil {
		return nil, &Error{Op: "refund", Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusConflict:
		// refund id already used: an earlier attempt reached the provider
		return c.getRefund(ctx, req.OrderID, refundID)
	case code >= 500:
		return nil, &Error{Op: "refund", StatusCode: code, Code: failure.Code, Message: failure.Message, Body: resp.String()}
	case code >= 400:
		reason := failure.Message
		if reason == "" {
			reason = http.StatusText(code)
		}
		return &RefundResult{Success: false, RefundID: refundID, Reason: reason}, nil
	}
	return refundResult(out, refundID), nil
}

func (c *Client) getRefund(ctx context.Context, orderID, refundID string) (*RefundResult, error) {
	var (
		out     refundResponse
		failure providerError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"order_id": orderID, "refund_id": refundID}).
		SetResult(&out).
		SetError(&failure).
		Get("/pg/orders/{order_id}/refunds/{refund_id}")
	if err != nil {
		return nil, &Error{Op: "get refund", Err: err}
	}
	if resp.IsError() {
		return nil, &Error{Op: "get refund", StatusCode: resp.StatusCode(), Code: failure.Code, Message: failure.Message, Body: resp.String()}
	}
	return refundResult(out, refundID), nil
}

func refundResult(out refundResponse, refundID string) *RefundResult {
	res := &RefundResult{RefundID: refundID, Status: out.RefundStatus}
	switch strings.ToUpper(out.RefundStatus) {
	case RefundSuccess:
		res.Success, res.Settled = true, true
	case RefundPending, RefundOnHold:
		res.Success = true
	default:
		res.Reason = out.StatusDescription
		if res.Reason == "" {
			res.Reason = "refund " + strings.ToLower(out.RefundStatus)
		}
	}
	return res
}
