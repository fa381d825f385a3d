// Package handlers exposes the ordering core over HTTP with gin.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/checkout"
	"github.com/imrishuroy/canteen-orderflow/internal/idempotency"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/validation"
	"github.com/imrishuroy/canteen-orderflow/internal/webhook"
)

// Checkout is satisfied by *checkout.Service.
type Checkout interface {
	CreateOrder(ctx context.Context, in checkout.CreateOrderInput) (*checkout.CheckoutResult, error)
	CancelOrder(ctx context.Context, in checkout.CancelInput) (*ledger.Order, error)
	PaymentStatus(ctx context.Context, orderID, requesterID string) (*checkout.PaymentStatusView, error)
	ListOrders(ctx context.Context, userID, canteenID string) ([]ledger.Order, error)
	AdvanceOrder(ctx context.Context, in checkout.AdvanceInput) (*ledger.Order, error)
}

// Reconciler is satisfied by *webhook.Reconciler.
type Reconciler interface {
	Handle(ctx context.Context, raw []byte) (*webhook.Outcome, error)
}

// Inbox is satisfied by *notify.Inbox.
type Inbox interface {
	List(ctx context.Context, userID string) ([]ledger.Notification, error)
	MarkRead(ctx context.Context, id, requesterID string, admin bool) (*ledger.Notification, error)
	Delete(ctx context.Context, id, requesterID string, admin bool) error
	DeleteAll(ctx context.Context, userID string) (int, error)
}

// Idempotency is satisfied by *idempotency.Store.
type Idempotency interface {
	Claim(ctx context.Context, key, ownerID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Deps groups everything the router needs. Idempotency and WebhookLimiter may be nil.
type Deps struct {
	Checkout       Checkout
	Reconciler     Reconciler
	Verifier       *webhook.Verifier
	Inbox          Inbox
	Idempotency    Idempotency
	Auth           *Authenticator
	WebhookLimiter *RateLimiter
	CORSOrigins    []string
	Logger         *slog.Logger
}

type handler struct {
	Deps
	validate *validatorv10.Validate
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handler{Deps: d, validate: validation.New()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog(d.Logger))
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	user := d.Auth.Middleware(accounts.RoleUser)
	anyone := d.Auth.Middleware()

	webhookChain := []gin.HandlerFunc{}
	if d.WebhookLimiter != nil {
		webhookChain = append(webhookChain, d.WebhookLimiter.Middleware())
	}
	webhookChain = append(webhookChain, h.paymentWebhook)

	r.POST("/payment/get-session-id/:userId", user, RequireOwner("userId"), h.createOrder)
	r.POST("/payment/webhook", webhookChain...)
	r.GET("/payment/status/:orderId", user, h.paymentStatus)
	r.PUT("/cancel-order/:orderId", user, h.cancelOrder)
	r.GET("/orders/:userId/:canteenId", user, RequireOwner("userId"), h.listOrders)

	r.PUT("/canteen/orders/:orderId/status", d.Auth.Middleware(accounts.RoleCanteen), h.advanceOrder)

	r.GET("/notifications/:userId", anyone, RequireOwner("userId"), h.listNotifications)
	r.PATCH("/notifications/:id/read", anyone, h.markNotificationRead)
	r.DELETE("/notifications/:id", anyone, h.deleteNotification)
	r.DELETE("/notifications/user/:userId", anyone, RequireOwner("userId"), h.deleteAllNotifications)

	return r
}
