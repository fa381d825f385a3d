package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateOrder persists a new order. OrderID must be set by the caller.
func (s *Store) CreateOrder(ctx context.Context, o Order) error {
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.CreatedEpoch = o.CreatedAt.Unix()
	o.UpdatedAt = now

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Orders,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrOrderExists
		}
		return wrap("put order", err)
	}
	return nil
}

// GetOrder fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Orders,
		Key:            keyOf("order_id", orderID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, wrap("get order", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// SetSession records the gateway session token on an existing order.
func (s *Store) SetSession(ctx context.Context, orderID, sessionID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Orders,
		Key:              keyOf("order_id", orderID),
		UpdateExpression: awsString("SET session_id = :sid, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": strAttr(sessionID),
			":ua":  timeAttr(s.now()),
		},
		ConditionExpression: awsString("attribute_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrOrderNotFound
		}
		return wrap("set session", err)
	}
	return nil
}

// TransitionOrder conditionally moves order_status from -> to. Ready For Pickup stamps
// pickup_time and Completed stamps delivered_at. Returns ErrStatusMismatch if the order
// is missing or no longer in from.
func (s *Store) TransitionOrder(ctx context.Context, orderID, from, to string, at time.Time) error {
	updateExpr := "SET order_status = :to, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":to":       strAttr(to),
		":expected": strAttr(from),
		":ua":       timeAttr(s.now()),
	}
	switch to {
	case OrderReady:
		updateExpr += ", pickup_time = :at"
		values[":at"] = timeAttr(at)
	case OrderCompleted:
		updateExpr += ", delivered_at = :at"
		values[":at"] = timeAttr(at)
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tables.Orders,
		Key:                       keyOf("order_id", orderID),
		UpdateExpression:          &updateExpr,
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("attribute_exists(order_id) AND order_status = :expected"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrStatusMismatch
		}
		return wrap("transition order", err)
	}
	return nil
}

// ListOrdersByBuyer returns a buyer's orders at one canteen, newest first.
func (s *Store) ListOrdersByBuyer(ctx context.Context, userID, canteenID string) ([]Order, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tables.Orders,
		IndexName:              awsString(OrdersByUserIndex),
		KeyConditionExpression: awsString("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strAttr(userID),
		},
		ScanIndexForward: boolPtr(false),
	}
	if canteenID != "" {
		input.FilterExpression = awsString("canteen_id = :cid")
		input.ExpressionAttributeValues[":cid"] = strAttr(canteenID)
	}

	orders := []Order{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, wrap("query orders", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		orders = append(orders, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return orders, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func boolPtr(b bool) *bool { return &b }
