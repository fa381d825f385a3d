package notify

import (
	"context"
	"errors"

	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
)

// InboxStore is the read side of the notification ledger.
type InboxStore interface {
	ListNotifications(ctx context.Context, userID string) ([]ledger.Notification, error)
	GetNotification(ctx context.Context, id string) (*ledger.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*ledger.Notification, error)
	DeleteNotification(ctx context.Context, id string) error
	DeleteUserNotifications(ctx context.Context, userID string) (int, error)
}

// Inbox serves a user's stored notifications.
type Inbox struct {
	store InboxStore
}

func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

func (i *Inbox) List(ctx context.Context, userID string) ([]ledger.Notification, error) {
	list, err := i.store.ListNotifications(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("notify.List", err)
	}
	return list, nil
}

// MarkRead marks one notification read. requesterID must own it unless admin is set.
func (i *Inbox) MarkRead(ctx context.Context, id, requesterID string, admin bool) (*ledger.Notification, error) {
	const op = "notify.MarkRead"
	if err := i.authorize(ctx, op, id, requesterID, admin); err != nil {
		return nil, err
	}
	n, err := i.store.MarkNotificationRead(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, apperr.NotFound(op, "notification not found")
		}
		return nil, apperr.Persistence(op, err)
	}
	return n, nil
}

func (i *Inbox) Delete(ctx context.Context, id, requesterID string, admin bool) error {
	const op = "notify.Delete"
	if err := i.authorize(ctx, op, id, requesterID, admin); err != nil {
		return err
	}
	if err := i.store.DeleteNotification(ctx, id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.NotFound(op, "notification not found")
		}
		return apperr.Persistence(op, err)
	}
	return nil
}

func (i *Inbox) DeleteAll(ctx context.Context, userID string) (int, error) {
	n, err := i.store.DeleteUserNotifications(ctx, userID)
	if err != nil {
		return n, apperr.Persistence("notify.DeleteAll", err)
	}
	return n, nil
}

func (i *Inbox) authorize(ctx context.Context, op, id, requesterID string, admin bool) error {
	n, err := i.store.GetNotification(ctx, id)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n == nil {
		return apperr.NotFound(op, "notification not found")
	}
	// broadcasts carry no owner; only admins manage them
	if !admin && n.UserID != requesterID {
		return apperr.Forbidden(op, "notification belongs to another user")
	}
	return nil
}
