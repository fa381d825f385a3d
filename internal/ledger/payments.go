package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const conditionalCheckFailed = "ConditionalCheckFailed"

// OrderPaymentUpdate is applied to the order in the same transaction that records a payment.
type OrderPaymentUpdate struct {
	PaymentStatus string
	PaymentMethod string
}

// RefundRecord is written onto a payment by the cancellation transaction.
type RefundRecord struct {
	PaymentID string
	Status    string // Refunded or Processing
	Amount    float64
	RefundID  string
}

// RecordPayment atomically creates:
//   - the payment, keyed by PaymentIDFor(p.TransactionID) with attribute_not_exists(payment_id)
//   - the order's payment_status, payment_id and payment_method
//
// A non-Paid update never replaces a Paid order: a late failed transaction is stored as a
// payment row only and the order keeps pointing at the successful one.
//
// A second call for the same transaction id returns ErrDuplicatePayment and writes nothing.
// ErrOrderNotFound means the order does not exist.
func (s *Store) RecordPayment(ctx context.Context, p Payment, upd OrderPaymentUpdate) (*Payment, error) {
	now := s.now()
	p.PaymentID = PaymentIDFor(p.TransactionID)
	if p.RefundStatus == "" {
		p.RefundStatus = RefundNotRequested
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	paymentMap, err := attributevalue.MarshalMap(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}

	orderValues := map[string]types.AttributeValue{
		":ps":  strAttr(upd.PaymentStatus),
		":pid": strAttr(p.PaymentID),
		":pm":  strAttr(upd.PaymentMethod),
		":ua":  timeAttr(now),
	}
	orderCond := "attribute_exists(order_id)"
	keepPaid := upd.PaymentStatus != PaymentPaid
	if keepPaid {
		orderCond += " AND (attribute_not_exists(payment_status) OR payment_status <> :paid)"
		orderValues[":paid"] = strAttr(PaymentPaid)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tables.Payments,
				Item:                paymentMap,
				ConditionExpression: awsString("attribute_not_exists(payment_id)"),
			},
		},
		{
			Update: &types.Update{
				TableName:                 &s.tables.Orders,
				Key:                       keyOf("order_id", p.OrderID),
				UpdateExpression:          awsString("SET payment_status = :ps, payment_id = :pid, payment_method = :pm, updated_at = :ua"),
				ExpressionAttributeValues: orderValues,
				ConditionExpression:       awsString(orderCond),
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		if codes := cancellationCodes(err); codes != nil {
			switch {
			case len(codes) > 0 && codes[0] == conditionalCheckFailed:
				return nil, ErrDuplicatePayment
			case len(codes) > 1 && codes[1] == conditionalCheckFailed:
				if keepPaid {
					return s.recordPaymentOnly(ctx, p, paymentMap)
				}
				return nil, ErrOrderNotFound
			}
			return nil, fmt.Errorf("transaction canceled: %w", err)
		}
		return nil, wrap("record payment", err)
	}
	return &p, nil
}

// recordPaymentOnly stores a payment whose order is already Paid (or gone) without touching
// the order.
func (s *Store) recordPaymentOnly(ctx context.Context, p Payment, item map[string]types.AttributeValue) (*Payment, error) {
	order, err := s.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Payments,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrDuplicatePayment
		}
		return nil, wrap("record payment", err)
	}
	return &p, nil
}

// GetPayment fetches a payment by payment_id. Returns (nil, nil) if not found.
func (s *Store) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Payments,
		Key:            keyOf("payment_id", paymentID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, wrap("get payment", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &p, nil
}

// GetPaymentByTransaction looks a payment up by the gateway transaction id.
func (s *Store) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	return s.GetPayment(ctx, PaymentIDFor(transactionID))
}

// FindPaymentForOrder returns the payment that settles an order: the successful one if
// any, else the most recent. Returns (nil, nil) when the order has no payment.
func (s *Store) FindPaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	payments, err := s.paymentsForOrder(ctx, orderID, 0)
	if err != nil {
		return nil, err
	}
	var best *Payment
	for i := range payments {
		p := &payments[i]
		switch {
		case best == nil:
			best = p
		case p.PaymentStatus == TxnSuccess && best.PaymentStatus != TxnSuccess:
			best = p
		case (p.PaymentStatus == TxnSuccess) == (best.PaymentStatus == TxnSuccess) && p.CreatedAt.After(best.CreatedAt):
			best = p
		}
	}
	return best, nil
}

// OrderHasPayment reports whether any payment, of any status, references the order.
func (s *Store) OrderHasPayment(ctx context.Context, orderID string) (bool, error) {
	payments, err := s.paymentsForOrder(ctx, orderID, 1)
	if err != nil {
		return false, err
	}
	return len(payments) > 0, nil
}

func (s *Store) paymentsForOrder(ctx context.Context, orderID string, limit int32) ([]Payment, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tables.Payments,
		IndexName:              awsString(PaymentsByOrderIndex),
		KeyConditionExpression: awsString("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": strAttr(orderID),
		},
	}
	if limit > 0 {
		input.Limit = &limit
	}

	var payments []Payment
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, wrap("query payments", err)
		}
		var page []Payment
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal payments: %w", err)
		}
		payments = append(payments, page...)
		if limit > 0 || len(out.LastEvaluatedKey) == 0 {
			return payments, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// CancelOrder atomically moves the order Pending -> Cancelled and, when refund is set,
// writes the refund fields onto the payment. Without a refund the order must also not be
// Paid, so a payment landing after the caller looked cannot be cancelled away.
// ErrStatusMismatch means the order was not Pending, was paid meanwhile, or is gone;
// ErrAlreadyRefunded means the payment was refunded concurrently.
func (s *Store) CancelOrder(ctx context.Context, orderID string, refund *RefundRecord, at time.Time) error {
	now := s.now()
	orderValues := map[string]types.AttributeValue{
		":cancelled": strAttr(OrderCancelled),
		":expected":  strAttr(OrderPending),
		":ua":        timeAttr(now),
	}
	orderCond := "attribute_exists(order_id) AND order_status = :expected"
	if refund == nil {
		orderCond += " AND (attribute_not_exists(payment_status) OR payment_status <> :paid)"
		orderValues[":paid"] = strAttr(PaymentPaid)
	}
	transactItems := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:                 &s.tables.Orders,
				Key:                       keyOf("order_id", orderID),
				UpdateExpression:          awsString("SET order_status = :cancelled, updated_at = :ua"),
				ExpressionAttributeValues: orderValues,
				ConditionExpression:       awsString(orderCond),
			},
		},
	}
	if refund != nil {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName:        &s.tables.Payments,
				Key:              keyOf("payment_id", refund.PaymentID),
				UpdateExpression: awsString("SET refund_status = :rs, refunded_amount = :ra, refund_time = :rt, refund_id = :rid, updated_at = :ua"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":rs":       strAttr(refund.Status),
					":ra":       numAttr(refund.Amount),
					":rt":       timeAttr(at),
					":rid":      strAttr(refund.RefundID),
					":refunded": strAttr(RefundRefunded),
					":ua":       timeAttr(now),
				},
				ConditionExpression: awsString("attribute_exists(payment_id) AND (attribute_not_exists(refund_status) OR refund_status <> :refunded)"),
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		if codes := cancellationCodes(err); codes != nil {
			switch {
			case len(codes) > 0 && codes[0] == conditionalCheckFailed:
				return ErrStatusMismatch
			case len(codes) > 1 && codes[1] == conditionalCheckFailed:
				return ErrAlreadyRefunded
			}
			return fmt.Errorf("transaction canceled: %w", err)
		}
		return wrap("cancel order", err)
	}
	return nil
}

// RecordRefund writes refund fields onto a payment without touching its order. Used when
// money moved at the provider but the cancellation lost a race with fulfillment.
func (s *Store) RecordRefund(ctx context.Context, refund RefundRecord, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Payments,
		Key:              keyOf("payment_id", refund.PaymentID),
		UpdateExpression: awsString("SET refund_status = :rs, refunded_amount = :ra, refund_time = :rt, refund_id = :rid, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rs":       strAttr(refund.Status),
			":ra":       numAttr(refund.Amount),
			":rt":       timeAttr(at),
			":rid":      strAttr(refund.RefundID),
			":refunded": strAttr(RefundRefunded),
			":ua":       timeAttr(s.now()),
		},
		ConditionExpression: awsString("attribute_exists(payment_id) AND (attribute_not_exists(refund_status) OR refund_status <> :refunded)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyRefunded
		}
		return wrap("record refund", err)
	}
	return nil
}
