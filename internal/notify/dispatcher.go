// Package notify decides when users are told about order events, stores the message
// and pushes it to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
)

const defaultPushTimeout = 5 * time.Second

// Recipient addresses a push. Broadcast pushes go to every client with Role.
type Recipient struct {
	UserID    string
	Role      string
	CanteenID string
	Broadcast bool
}

// Transport delivers a rendered notification to connected clients. Delivery is best effort.
type Transport interface {
	Publish(ctx context.Context, to Recipient, payload []byte) error
}

// Store persists notifications with dedupe on write.
type Store interface {
	PutNotification(ctx context.Context, n ledger.Notification) (*ledger.Notification, bool, error)
}

// Request describes one notification event. Either UserIDs or ToAll must be set.
type Request struct {
	UserIDs      []string
	ReceiverRole string
	ToAll        bool
	CanteenID    string
	Title        string
	Message      string
	Type         string
	RelatedRef   string
	RefModel     string
}

// Dispatcher stores and pushes notifications.
type Dispatcher struct {
	store       Store
	transport   Transport
	logger      *slog.Logger
	pushTimeout time.Duration
	wg          sync.WaitGroup
}

func NewDispatcher(store Store, transport Transport, logger *slog.Logger) *Dispatcher {
	if transport == nil {
		transport = NopTransport{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		transport:   transport,
		logger:      logger,
		pushTimeout: defaultPushTimeout,
	}
}

// Notify stores one notification per recipient (or one broadcast) and pushes the ones
// that were newly created. A repeated request for the same event stores and pushes nothing.
// It returns the newly created notifications.
func (d *Dispatcher) Notify(ctx context.Context, req Request) ([]ledger.Notification, error) {
	const op = "notify.Notify"
	if err := validate(req); err != nil {
		return nil, apperr.Validation(op, err.Error())
	}

	recipients := req.UserIDs
	if req.ToAll {
		recipients = []string{""}
	}

	var created []ledger.Notification
	for _, userID := range recipients {
		n := ledger.Notification{
			UserID:       userID,
			CanteenID:    req.CanteenID,
			ReceiverRole: req.ReceiverRole,
			Title:        req.Title,
			Message:      req.Message,
			Type:         req.Type,
			RelatedRef:   req.RelatedRef,
			RefModel:     req.RefModel,
			ToAll:        req.ToAll,
		}
		stored, isNew, err := d.store.PutNotification(ctx, n)
		if err != nil {
			return created, apperr.Persistence(op, err)
		}
		if !isNew {
			d.logger.Debug("notification already sent",
				"notification_id", stored.NotificationID,
				"related_ref", req.RelatedRef,
				"user_id", userID)
			continue
		}
		created = append(created, *stored)
		d.push(ctx, *stored)
	}
	return created, nil
}

// Wait blocks until in-flight pushes finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) push(ctx context.Context, n ledger.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("encode notification", "notification_id", n.NotificationID, "err", err)
		return
	}
	to := Recipient{UserID: n.UserID, Role: n.ReceiverRole, CanteenID: n.CanteenID, Broadcast: n.ToAll}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// the request may finish before the push does
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.pushTimeout)
		defer cancel()
		if err := d.transport.Publish(pushCtx, to, payload); err != nil {
			d.logger.Warn("push notification failed",
				"notification_id", n.NotificationID,
				"user_id", n.UserID,
				"role", n.ReceiverRole,
				"err", err)
		}
	}()
}

func validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(req.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	switch req.ReceiverRole {
	case ledger.RoleStudent, ledger.RoleCanteen, ledger.RoleAdmin:
	default:
		return fmt.Errorf("unknown receiver role %q", req.ReceiverRole)
	}
	switch req.Type {
	case ledger.NotifyOrder, ledger.NotifySystem, ledger.NotifyPromo:
	default:
		return fmt.Errorf("unknown notification type %q", req.Type)
	}

	if !req.ToAll {
		if len(req.UserIDs) == 0 {
			return fmt.Errorf("no recipients")
		}
		for _, id := range req.UserIDs {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("empty recipient id")
			}
		}
	}
	return nil
}
