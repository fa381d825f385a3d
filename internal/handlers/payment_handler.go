package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/checkout"
	"github.com/imrishuroy/canteen-orderflow/internal/idempotency"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/validation"
	"github.com/imrishuroy/canteen-orderflow/internal/webhook"
)

const maxWebhookBody = 1 << 20

type createOrderResponse struct {
	Message   string         `json:"message"`
	OrderID   string         `json:"orderId"`
	SessionID string         `json:"sessionId"`
	OrderData map[string]any `json:"orderData"`
}

// createOrder handles POST /payment/get-session-id/:userId. An optional Idempotency-Key
// header makes retries of the same checkout return the first response.
func (h *handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	// Bind + validate request
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	idempKey := c.GetHeader("Idempotency-Key")
	claimed := false
	if idempKey != "" && h.Idempotency != nil {
		owned, err := h.Idempotency.Claim(ctx, idempKey, userID)
		if err != nil {
			respondError(c, h.Logger, apperr.Persistence("handlers.createOrder", err))
			return
		}
		if !owned {
			h.replay(c, idempKey, userID)
			return
		}
		claimed = true
	}

	items := make([]ledger.LineItem, 0, len(req.CartItems))
	for _, it := range req.CartItems {
		li := ledger.LineItem{
			ProductID:  it.ProductID,
			Name:       it.Name,
			Price:      it.Price,
			Quantity:   it.Quantity,
			TotalPrice: it.TotalPrice,
		}
		for _, o := range it.Offers {
			li.Offers = append(li.Offers, ledger.Offer{OfferType: o.OfferType, Discount: o.Discount, ValidUntil: o.ValidUntil})
		}
		items = append(items, li)
	}

	res, err := h.Checkout.CreateOrder(ctx, checkout.CreateOrderInput{
		BuyerID:       userID,
		CanteenID:     req.CanteenID,
		CollegeID:     req.CollegeID,
		TotalAmount:   req.TotalAmount,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		if claimed {
			if merr := h.Idempotency.MarkFailed(ctx, idempKey, err.Error()); merr != nil {
				h.Logger.Warn("mark idempotency failed", "key", idempKey, "err", merr)
			}
		}
		respondError(c, h.Logger, err)
		return
	}

	body, err := json.Marshal(createOrderResponse{
		Message:   "Order created successfully",
		OrderID:   res.OrderID,
		SessionID: res.SessionID,
		OrderData: res.OrderData,
	})
	if err != nil {
		if claimed {
			if merr := h.Idempotency.MarkFailed(ctx, idempKey, err.Error()); merr != nil {
				h.Logger.Warn("mark idempotency failed", "key", idempKey, "err", merr)
			}
		}
		respondError(c, h.Logger, fmt.Errorf("encode create order response for %s: %w", res.OrderID, err))
		return
	}
	if claimed {
		if err := h.Idempotency.MarkDone(ctx, idempKey, res.OrderID, string(body), http.StatusOK); err != nil {
			h.Logger.Warn("mark idempotency done", "key", idempKey, "order_id", res.OrderID, "err", err)
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// replay answers a request whose idempotency key is already held.
func (h *handler) replay(c *gin.Context, key, userID string) {
	rec, err := h.Idempotency.Get(c.Request.Context(), key)
	if err != nil {
		respondError(c, h.Logger, apperr.Persistence("handlers.createOrder", err))
		return
	}
	if rec == nil || rec.OwnerID != userID {
		respondError(c, h.Logger, apperr.Conflict("handlers.createOrder", "idempotency key already used"))
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"orderId": rec.OrderID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusConflict, gin.H{"error": string(apperr.KindConflict), "message": "request already in progress", "orderId": rec.OrderID})
	default:
		respondError(c, h.Logger, apperr.Conflict("handlers.createOrder", fmt.Sprintf("idempotency key in state %s", rec.Status)))
	}
}

// paymentWebhook handles POST /payment/webhook. Any delivery that is recorded, or was
// already recorded, gets 200 OK so the provider stops retrying.
func (h *handler) paymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, h.Logger, apperr.Validation("handlers.paymentWebhook", "unreadable body"))
		return
	}

	if err := h.Verifier.Verify(c.GetHeader(webhook.TimestampHeader), c.GetHeader(webhook.SignatureHeader), raw); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.Logger.Warn("webhook signature rejected", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
			return
		}
		respondError(c, h.Logger, err)
		return
	}

	if _, err := h.Reconciler.Handle(c.Request.Context(), raw); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.String(http.StatusOK, "OK")
}

// paymentStatus handles GET /payment/status/:orderId.
func (h *handler) paymentStatus(c *gin.Context) {
	p := principal(c)
	requester := p.UserID
	if p.IsAdmin() {
		requester = ""
	}
	view, err := h.Checkout.PaymentStatus(c.Request.Context(), c.Param("orderId"), requester)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
