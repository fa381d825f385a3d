package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PutNotification stores n unless a notification with the same dedupe tuple exists.
// created is false for a duplicate, in which case nothing is written.
func (s *Store) PutNotification(ctx context.Context, n Notification) (*Notification, bool, error) {
	if n.NotificationID == "" {
		n.NotificationID = NotificationIDFor(n.RelatedRef, n.UserID, n.ReceiverRole, n.Type)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.CreatedEpoch = n.CreatedAt.Unix()

	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return nil, false, fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Notifications,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(notification_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return &n, false, nil
		}
		return nil, false, wrap("put notification", err)
	}
	return &n, true, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tables.Notifications,
		IndexName:              awsString(NotificationsByUserIndex),
		KeyConditionExpression: awsString("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strAttr(userID),
		},
		ScanIndexForward: boolPtr(false),
	}

	notifications := []Notification{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, wrap("query notifications", err)
		}
		var page []Notification
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal notifications: %w", err)
		}
		notifications = append(notifications, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return notifications, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// GetNotification returns (nil, nil) if not found.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Notifications,
		Key:       keyOf("notification_id", id),
	})
	if err != nil {
		return nil, wrap("get notification", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var n Notification
	if err := attributevalue.UnmarshalMap(out.Item, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

// MarkNotificationRead sets is_read and returns the updated notification.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) (*Notification, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Notifications,
		Key:              keyOf("notification_id", id),
		UpdateExpression: awsString("SET is_read = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
		ConditionExpression: awsString("attribute_exists(notification_id)"),
		ReturnValues:        types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrNotFound
		}
		return nil, wrap("mark notification read", err)
	}
	var n Notification
	if err := attributevalue.UnmarshalMap(out.Attributes, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

// DeleteNotification removes one notification. ErrNotFound if it does not exist.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:           &s.tables.Notifications,
		Key:                 keyOf("notification_id", id),
		ConditionExpression: awsString("attribute_exists(notification_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return wrap("delete notification", err)
	}
	return nil
}

// DeleteUserNotifications removes every notification addressed to userID and returns
// how many were deleted.
func (s *Store) DeleteUserNotifications(ctx context.Context, userID string) (int, error) {
	notifications, err := s.ListNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, n := range notifications {
		err := s.DeleteNotification(ctx, n.NotificationID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			// removed concurrently
		default:
			return deleted, err
		}
	}
	return deleted, nil
}
