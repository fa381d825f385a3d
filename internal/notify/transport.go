package notify

import (
	"context"
	"strconv"
)

// Sender enqueues a message body with string attributes. *aws.Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// QueueTransport hands pushes to the socket gateway through a queue. The recipient travels
// in message attributes so the gateway can route without decoding the body.
type QueueTransport struct {
	sender Sender
}

func NewQueueTransport(sender Sender) *QueueTransport {
	return &QueueTransport{sender: sender}
}

func (q *QueueTransport) Publish(ctx context.Context, to Recipient, payload []byte) error {
	return q.sender.Send(ctx, string(payload), map[string]string{
		"event":        "notification",
		"recipient_id": to.UserID,
		"role":         to.Role,
		"canteen_id":   to.CanteenID,
		"broadcast":    strconv.FormatBool(to.Broadcast),
	})
}

// NopTransport drops pushes. Used when no queue is configured.
type NopTransport struct{}

func (NopTransport) Publish(context.Context, Recipient, []byte) error { return nil }
