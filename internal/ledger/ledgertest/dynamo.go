// Package ledgertest provides an in-memory DynamoDB for tests of the ledger, idempotency
// and accounts stores and the services built on them.
//
// It understands the subset of the expression language those stores issue:
// attribute_exists / attribute_not_exists, the comparison operators, AND / OR / NOT with
// parentheses, SET and REMOVE update clauses, and global secondary index queries. Tables
// have a single string partition key.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a global secondary index. Range may be empty.
type Index struct {
	Name  string
	Hash  string
	Range string
}

type table struct {
	key     string
	indexes map[string]Index
	items   map[string]map[string]types.AttributeValue
}

// FakeDynamo is safe for concurrent use.
type FakeDynamo struct {
	mu     sync.Mutex
	tables map[string]*table
	fail   map[string]error
	calls  map[string]int
}

func New() *FakeDynamo {
	return &FakeDynamo{
		tables: map[string]*table{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table with partition key key and optional indexes.
func (f *FakeDynamo) CreateTable(name, key string, indexes ...Index) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &table{key: key, indexes: map[string]Index{}, items: map[string]map[string]types.AttributeValue{}}
	for _, ix := range indexes {
		t.indexes[ix.Name] = ix
	}
	f.tables[name] = t
}

// FailNext makes the next call to op (e.g. "PutItem") return err.
func (f *FakeDynamo) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a snapshot of every item in the named table.
func (f *FakeDynamo) Items(name string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, k := range sortedKeys(t.items) {
		out = append(out, clone(t.items[k]))
	}
	return out
}

// Len returns the number of items in the named table.
func (f *FakeDynamo) Len(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[name]; ok {
		return len(t.items)
	}
	return 0
}

// Seed writes item unconditionally.
func (f *FakeDynamo) Seed(name string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[name]
	t.items[stringOf(item[t.key])] = clone(item)
}

func (f *FakeDynamo) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *FakeDynamo) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("table name required")
	}
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table " + *name + " not found")}
	}
	return t, nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := check(in.ConditionExpression, t.items[pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[pk] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	updated, err := t.update(in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues != "" && in.ReturnValues != types.ReturnValueNone {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (f *FakeDynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, _ ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := check(in.ConditionExpression, t.items[pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	old := t.items[pk]
	delete(t.items, pk)
	out := &dyn.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = clone(old)
	}
	return out, nil
}

func (f *FakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, _ ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("query requires a key condition")
	}

	var ix Index
	if in.IndexName != nil {
		var ok bool
		if ix, ok = t.indexes[*in.IndexName]; !ok {
			return nil, fmt.Errorf("index %s not found", *in.IndexName)
		}
	} else {
		ix = Index{Hash: t.key}
	}

	var candidates []map[string]types.AttributeValue
	for _, k := range sortedKeys(t.items) {
		item := t.items[k]
		// sparse index: items without the index keys are not projected
		if _, ok := item[ix.Hash]; !ok {
			continue
		}
		if ix.Range != "" {
			if _, ok := item[ix.Range]; !ok {
				continue
			}
		}
		ok, err := check(in.KeyConditionExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, item)
		}
	}
	if ix.Range != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			c, _ := compare(candidates[i][ix.Range], candidates[j][ix.Range])
			return c < 0
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}

	items, last, err := page(t.key, candidates, in.ExclusiveStartKey, in.Limit, in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func (f *FakeDynamo) Scan(ctx context.Context, in *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	all := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, k := range sortedKeys(t.items) {
		all = append(all, t.items[k])
	}
	items, last, err := page(t.key, all, in.ExclusiveStartKey, in.Limit, in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dyn.ScanOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

// TransactWriteItems evaluates every condition before applying any write. A failed
// condition cancels the whole transaction with per-item cancellation reasons.
func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, _ ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false
	for i, ti := range in.TransactItems {
		tableName, key, cond, names, values, err := describe(ti)
		if err != nil {
			return nil, err
		}
		t, err := f.table(tableName)
		if err != nil {
			return nil, err
		}
		pk, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		ok, err := check(cond, t.items[pk], names, values)
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: strPtr("None")}
			continue
		}
		cancelled = true
		reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed"), Message: strPtr("The conditional request failed")}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			t := f.tables[*ti.Put.TableName]
			pk, _ := t.keyOf(ti.Put.Item)
			t.items[pk] = clone(ti.Put.Item)
		case ti.Update != nil:
			t := f.tables[*ti.Update.TableName]
			if _, err := t.update(ti.Update.Key, ti.Update.UpdateExpression, nil, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case ti.Delete != nil:
			t := f.tables[*ti.Delete.TableName]
			pk, _ := t.keyOf(ti.Delete.Key)
			delete(t.items, pk)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func describe(ti types.TransactWriteItem) (tableName *string, key map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue, err error) {
	switch {
	case ti.Put != nil:
		return ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, nil
	case ti.Update != nil:
		return ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues, nil
	case ti.Delete != nil:
		return ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues, nil
	case ti.ConditionCheck != nil:
		return ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues, nil
	}
	return nil, nil, nil, nil, nil, errors.New("empty transact item")
}

func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	v, ok := item[t.key].(*types.AttributeValueMemberS)
	if !ok || v.Value == "" {
		return "", fmt.Errorf("missing key attribute %s", t.key)
	}
	return v.Value, nil
}

func (t *table) update(key map[string]types.AttributeValue, expr, cond *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	pk, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	current := t.items[pk]
	ok, err := check(cond, current, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}

	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	if expr != nil {
		if err := applyUpdate(*expr, next, names, values); err != nil {
			return nil, err
		}
	}
	t.items[pk] = next
	return next, nil
}

// page applies ExclusiveStartKey, Limit and the filter. Limit counts evaluated items,
// not matches, the same way DynamoDB does.
func page(key string, items []map[string]types.AttributeValue, start map[string]types.AttributeValue, limit *int32, filter *string, names map[string]string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	if len(start) > 0 {
		startKey := stringOf(start[key])
		found := false
		for i, it := range items {
			if stringOf(it[key]) == startKey {
				items = items[i+1:]
				found = true
				break
			}
		}
		if !found {
			// the start item was deleted mid-scan; resume after its position
			rest := items[:0:0]
			for _, it := range items {
				if stringOf(it[key]) > startKey {
					rest = append(rest, it)
				}
			}
			items = rest
		}
	}

	var (
		out  []map[string]types.AttributeValue
		last map[string]types.AttributeValue
	)
	for i, it := range items {
		if limit != nil && *limit > 0 && int32(i) >= *limit {
			prev := items[i-1]
			last = map[string]types.AttributeValue{key: prev[key]}
			break
		}
		ok, err := check(filter, it, names, values)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			out = append(out, clone(it))
		}
	}
	return out, last, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringOf(v types.AttributeValue) string {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return a.Value
	case *types.AttributeValueMemberN:
		return a.Value
	}
	return ""
}

func strPtr(s string) *string { return &s }

// compare orders two scalar attribute values. Numbers compare numerically.
func compare(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		fx, err1 := strconv.ParseFloat(x.Value, 64)
		fy, err2 := strconv.ParseFloat(y.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case fx < fy:
			return -1, true
		case fx > fy:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if x.Value == y.Value {
			return 0, true
		}
		return 1, true
	case *types.AttributeValueMemberNULL:
		if _, ok := b.(*types.AttributeValueMemberNULL); ok {
			return 0, true
		}
	}
	return 0, false
}

// Table names used by NewLedger.
const (
	OrdersTable        = "orders"
	PaymentsTable      = "payments"
	NotificationsTable = "notifications"
	IdempotencyTable   = "idempotency"
	UsersTable         = "users"
)

// NewLedger returns a FakeDynamo with every table and index the service uses.
func NewLedger() *FakeDynamo {
	f := New()
	f.CreateTable(OrdersTable, "order_id", Index{Name: "user_id-index", Hash: "user_id", Range: "created_epoch"})
	f.CreateTable(PaymentsTable, "payment_id", Index{Name: "order_id-index", Hash: "order_id"})
	f.CreateTable(NotificationsTable, "notification_id", Index{Name: "user_id-index", Hash: "user_id", Range: "created_epoch"})
	f.CreateTable(IdempotencyTable, "idempotency_key")
	f.CreateTable(UsersTable, "user_id", Index{Name: "canteen_id-index", Hash: "canteen_id"})
	return f
}
