package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		CanteenID:   "C1",
		CollegeID:   "COL1",
		TotalAmount: 180.5,
		CartItems: []CartItem{
			{ProductID: "P1", Name: "Veg Thali", Price: 120, Quantity: 1, TotalPrice: 120},
			{ProductID: "P2", Name: "Lassi", Price: 30.25, Quantity: 2, TotalPrice: 60.5},
		},
		PaymentMethod: "upi",
	}
}

func TestCreateOrderRequest_Valid(t *testing.T) {
	v := New()

	for _, method := range []string{"upi", "card", "Cash On Delivery"} {
		req := validRequest()
		req.PaymentMethod = method
		if err := v.Struct(req); err != nil {
			t.Fatalf("%s: expected valid, got error: %v", method, err)
		}
	}
}

func TestCreateOrderRequest_InvalidAmountMismatch(t *testing.T) {
	v := New()

	req := validRequest()
	req.TotalAmount = 180.49 // one paisa short

	err := v.Struct(req)
	if err == nil {
		t.Fatal("expected validation error for amount mismatch, got nil")
	}
	if _, ok := FieldErrors(err)["totalAmount"]; !ok {
		t.Fatalf("expected totalAmount field error, got %v", FieldErrors(err))
	}
}

func TestCreateOrderRequest_FloatSumsCompareExactly(t *testing.T) {
	v := New()

	req := validRequest()
	req.CartItems = []CartItem{
		{ProductID: "P1", Price: 0.1, Quantity: 1, TotalPrice: 0.1},
		{ProductID: "P2", Price: 0.2, Quantity: 1, TotalPrice: 0.2},
	}
	req.TotalAmount = 0.3

	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_MissingFields(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		// CanteenID missing
		CartItems:     []CartItem{},
		TotalAmount:   0,
		PaymentMethod: "netbanking",
	}

	if err := v.Struct(req); err == nil {
		t.Fatal("expected validation errors for missing required fields, got nil")
	}
}

func TestAdvanceOrderRequest(t *testing.T) {
	v := New()

	if err := v.Struct(AdvanceOrderRequest{Status: "Ready For Pickup"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(AdvanceOrderRequest{Status: "Cancelled"}); err == nil {
		t.Fatal("expected Cancelled to be rejected")
	}
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	cases := []struct {
		name string
		body string
		code int
		want string
	}{
		{"malformed", `{"canteenId":`, http.StatusBadRequest, "invalid_request_body"},
		{"invalid", `{"canteenId":"C1","totalAmount":10,"cartItems":[],"paymentMethod":"upi"}`, http.StatusBadRequest, "validation_failed"},
		{"ok", `{"canteenId":"C1","totalAmount":10,"cartItems":[{"productId":"P1","price":10,"quantity":1,"totalPrice":10}],"paymentMethod":"upi"}`, http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req CreateOrderRequest
			err := BindAndValidate(c, &req, v)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if w.Code != tc.code {
				t.Fatalf("status = %d, want %d", w.Code, tc.code)
			}
			if !strings.Contains(w.Body.String(), tc.want) {
				t.Fatalf("body %s does not contain %q", w.Body.String(), tc.want)
			}
		})
	}
}
