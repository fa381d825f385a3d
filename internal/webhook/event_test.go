package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successPayload = `{
  "data": {
    "order": {"order_id": "o-1", "order_amount": 180.5, "order_currency": "INR"},
    "payment": {
      "cf_payment_id": 5114910,
      "payment_status": "SUCCESS",
      "payment_amount": 180.5,
      "payment_currency": "INR",
      "payment_message": "Transaction Successful",
      "payment_time": "2026-03-01T17:35:10+05:30",
      "bank_reference": "1234567890",
      "payment_group": "upi"
    },
    "customer_details": {"customer_id": "U1", "customer_phone": "9876543210"}
  },
  "event_time": "2026-03-01T17:35:12+05:30",
  "type": "PAYMENT_SUCCESS_WEBHOOK"
}`

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(successPayload))
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_SUCCESS_WEBHOOK", ev.Type)
	assert.Equal(t, "o-1", ev.OrderID)
	assert.Equal(t, "5114910", ev.TransactionID)
	assert.Equal(t, "SUCCESS", ev.Status)
	assert.Equal(t, 180.5, ev.Amount)
	assert.Equal(t, "upi", ev.Group)
	assert.True(t, ev.PaymentTime.Equal(time.Date(2026, 3, 1, 12, 5, 10, 0, time.UTC)))
	assert.Contains(t, string(ev.Data), "bank_reference")
}

func TestParseEvent_StringPaymentID(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"data":{"order":{"order_id":"o-1"},"payment":{"cf_payment_id":"cf_77","payment_status":"FAILED","payment_time":"not a time"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "cf_77", ev.TransactionID)
	assert.True(t, ev.PaymentTime.IsZero())
}

func TestParseEvent_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"data":`,
		"no payment":      `{"data":{"order":{"order_id":"o-1"}}}`,
		"no order id":     `{"data":{"order":{},"payment":{"cf_payment_id":1,"payment_status":"SUCCESS"}}}`,
		"bad id type":     `{"data":{"order":{"order_id":"o-1"},"payment":{"cf_payment_id":1.5,"payment_status":"SUCCESS"}}}`,
		"negative amount": `{"data":{"order":{"order_id":"o-1"},"payment":{"cf_payment_id":1,"payment_status":"SUCCESS","payment_amount":-1}}}`,
		"blank id":        `{"data":{"order":{"order_id":"o-1"},"payment":{"cf_payment_id":"  ","payment_status":"SUCCESS"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestVerifier(t *testing.T) {
	body := []byte(successPayload)
	v := NewVerifier("whsec")
	require.True(t, v.Enabled())

	sig := v.Sign("1709294712000", body)
	assert.NoError(t, v.Verify("1709294712000", sig, body))
	assert.ErrorIs(t, v.Verify("1709294712001", sig, body), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("1709294712000", sig, append(body, ' ')), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("", "", body), ErrInvalidSignature)

	disabled := NewVerifier("")
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Verify("", "", body))
}

func TestMapMethod(t *testing.T) {
	assert.Equal(t, "upi", mapMethod("UPI", "card"))
	assert.Equal(t, "card", mapMethod("credit_card", "upi"))
	assert.Equal(t, "card", mapMethod("debit_card", "upi"))
	assert.Equal(t, "upi", mapMethod("net_banking", "upi"))
}
