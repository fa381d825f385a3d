package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Only the fields reconciliation depends on are constrained; Cashfree adds fields freely.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data"],
  "properties": {
    "type": {"type": "string"},
    "event_time": {"type": "string"},
    "data": {
      "type": "object",
      "required": ["order", "payment"],
      "properties": {
        "order": {
          "type": "object",
          "required": ["order_id"],
          "properties": {
            "order_id": {"type": "string", "minLength": 1}
          }
        },
        "payment": {
          "type": "object",
          "required": ["cf_payment_id", "payment_status"],
          "properties": {
            "cf_payment_id": {"type": ["string", "integer"]},
            "payment_status": {"type": "string", "minLength": 1},
            "payment_amount": {"type": "number", "minimum": 0},
            "payment_group": {"type": "string"},
            "payment_time": {"type": "string"}
          }
        }
      }
    }
  }
}`

var eventSchemaLoader = gojsonschema.NewStringLoader(eventSchema)

// Event is a decoded payment webhook.
type Event struct {
	Type          string
	OrderID       string
	TransactionID string
	Status        string
	Amount        float64
	Currency      string
	Group         string
	Message       string
	PaymentTime   time.Time // zero when the provider omitted or garbled it
	Data          json.RawMessage
}

// flexID accepts an id sent as a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type payload struct {
	Order struct {
		OrderID string `json:"order_id"`
	} `json:"order"`
	Payment struct {
		CFPaymentID     flexID  `json:"cf_payment_id"`
		PaymentStatus   string  `json:"payment_status"`
		PaymentAmount   float64 `json:"payment_amount"`
		PaymentCurrency string  `json:"payment_currency"`
		PaymentGroup    string  `json:"payment_group"`
		PaymentMessage  string  `json:"payment_message"`
		PaymentTime     string  `json:"payment_time"`
	} `json:"payment"`
}

// ParseEvent validates raw against the webhook envelope schema and decodes it.
func ParseEvent(raw []byte) (*Event, error) {
	result, err := gojsonschema.Validate(eventSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return nil, fmt.Errorf("invalid webhook payload: %s", sb.String())
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	var p payload
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode webhook data: %w", err)
	}

	txID := strings.TrimSpace(string(p.Payment.CFPaymentID))
	if txID == "" {
		return nil, fmt.Errorf("invalid webhook payload: empty cf_payment_id")
	}

	ev := &Event{
		Type:          env.Type,
		OrderID:       p.Order.OrderID,
		TransactionID: txID,
		Status:        p.Payment.PaymentStatus,
		Amount:        p.Payment.PaymentAmount,
		Currency:      p.Payment.PaymentCurrency,
		Group:         p.Payment.PaymentGroup,
		Message:       p.Payment.PaymentMessage,
		Data:          env.Data,
	}
	if p.Payment.PaymentTime != "" {
		if t, err := time.Parse(time.RFC3339, p.Payment.PaymentTime); err == nil {
			ev.PaymentTime = t.UTC()
		}
	}
	return ev, nil
}
