package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PageKey is an opaque scan cursor. A nil PageKey starts from the beginning; a nil
// returned PageKey means the scan is complete.
type PageKey = map[string]types.AttributeValue

const abandonedPredicate = "payment_status = :pending AND attribute_not_exists(payment_id) AND created_epoch < :cutoff"

func abandonedValues(cutoff time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":pending": strAttr(PaymentPending),
		":cutoff":  intAttr(cutoff.Unix()),
	}
}

// ScanSweepCandidates returns one page of orders that are unpaid, have no linked payment
// and were created before cutoff. limit bounds the items evaluated, so a page can hold
// fewer candidates than limit while more remain.
func (s *Store) ScanSweepCandidates(ctx context.Context, cutoff time.Time, limit int32, start PageKey) ([]Order, PageKey, error) {
	input := &dyn.ScanInput{
		TableName:                 &s.tables.Orders,
		FilterExpression:          awsString(abandonedPredicate),
		ExpressionAttributeValues: abandonedValues(cutoff),
		ExclusiveStartKey:         start,
	}
	if limit > 0 {
		input.Limit = &limit
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, nil, wrap("scan sweep candidates", err)
	}
	var orders []Order
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &orders); err != nil {
		return nil, nil, fmt.Errorf("unmarshal orders: %w", err)
	}
	if len(out.LastEvaluatedKey) == 0 {
		return orders, nil, nil
	}
	return orders, out.LastEvaluatedKey, nil
}

// DeleteAbandonedOrder deletes the order only while it still matches the abandoned
// predicate. Returns false when the order gained a payment or is gone.
func (s *Store) DeleteAbandonedOrder(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                 &s.tables.Orders,
		Key:                       keyOf("order_id", orderID),
		ConditionExpression:       awsString("attribute_exists(order_id) AND " + abandonedPredicate),
		ExpressionAttributeValues: abandonedValues(cutoff),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, wrap("delete abandoned order", err)
	}
	return true, nil
}
