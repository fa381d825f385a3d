// Package ledger is the system of record for orders, payments and notifications.
//
// Every invariant that must survive concurrent requests is enforced by a DynamoDB
// conditional write: payment uniqueness on the transaction id, the Pending-only guard on
// cancellation, the no-payment guard on sweeping, and notification dedupe.
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/imrishuroy/canteen-orderflow/internal/aws"
)

// Index names.
const (
	OrdersByUserIndex        = "user_id-index"
	PaymentsByOrderIndex     = "order_id-index"
	NotificationsByUserIndex = "user_id-index"
)

var (
	ErrOrderExists      = errors.New("order already exists")
	ErrOrderNotFound    = errors.New("order not found")
	ErrStatusMismatch   = errors.New("status mismatch/conditional failed")
	ErrDuplicatePayment = errors.New("payment already recorded for transaction")
	ErrAlreadyRefunded  = errors.New("payment already refunded")
	ErrNotFound         = errors.New("item not found")
)

// Tables names the DynamoDB tables the Store writes to.
type Tables struct {
	Orders        string
	Payments      string
	Notifications string
}

// Store encapsulates operations on the ledger tables.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// NewStore creates a new ledger Store.
func NewStore(client aws.DynamoDBAPI, tables Tables) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

// WithClock overrides the store clock. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// cancellationCodes returns the per-item reason codes of a cancelled transaction, or nil.
func cancellationCodes(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes
}

func strAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func numAttr(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func intAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// timeAttr matches the encoding attributevalue uses for time.Time.
func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func keyOf(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: strAttr(value)}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func awsString(s string) *string { return &s }
