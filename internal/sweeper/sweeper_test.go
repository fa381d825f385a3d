package sweeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingMetrics struct{ total float64 }

func (m *countingMetrics) Count(ctx context.Context, name string, value float64, dims map[string]string) error {
	if name == MetricOrdersSwept {
		m.total += value
	}
	return nil
}

func newStore() (*ledger.Store, *ledgertest.FakeDynamo) {
	db := ledgertest.NewLedger()
	return ledger.NewStore(db, ledger.Tables{
		Orders:        ledgertest.OrdersTable,
		Payments:      ledgertest.PaymentsTable,
		Notifications: ledgertest.NotificationsTable,
	}).WithClock(func() time.Time { return now }), db
}

func seedOrder(t *testing.T, s *ledger.Store, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.CreateOrder(context.Background(), ledger.Order{
		OrderID:       id,
		UserID:        "U1",
		CanteenID:     "C1",
		Items:         []ledger.LineItem{{ProductID: "P1", Price: 50, Quantity: 1, TotalPrice: 50}},
		TotalAmount:   50,
		PaymentMethod: ledger.MethodUPI,
		PaymentStatus: ledger.PaymentPending,
		OrderStatus:   ledger.OrderPending,
		SessionID:     ledger.PlaceholderSession,
		CreatedAt:     now.Add(-age),
	}))
}

func payment(orderID, txID string) ledger.Payment {
	return ledger.Payment{
		OrderID:       orderID,
		UserID:        "U1",
		CanteenID:     "C1",
		PaymentMethod: ledger.MethodUPI,
		PaymentStatus: ledger.TxnSuccess,
		TransactionID: txID,
		Provider:      ledger.ProviderCashfree,
		AmountPaid:    50,
		PaymentTime:   now,
	}
}

func newSweeper(s Ledger, m Counter, batch int32) *Sweeper {
	sw := New(s, m, Options{Interval: time.Minute, GracePeriod: 30 * time.Minute, BatchSize: batch}, nil)
	sw.nowFunc = func() time.Time { return now }
	return sw
}

func TestSweepOnce_RemovesOnlyAbandoned(t *testing.T) {
	store, db := newStore()
	ctx := context.Background()

	seedOrder(t, store, "stale-1", 2*time.Hour)
	seedOrder(t, store, "stale-2", time.Hour)
	seedOrder(t, store, "fresh", 5*time.Minute)
	seedOrder(t, store, "paid", 2*time.Hour)
	_, err := store.RecordPayment(ctx, payment("paid", "cf_1"), ledger.OrderPaymentUpdate{PaymentStatus: ledger.PaymentPaid, PaymentMethod: ledger.MethodUPI})
	require.NoError(t, err)

	m := &countingMetrics{}
	rep, err := newSweeper(store, m, 2).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Deleted)
	assert.True(t, rep.Complete)
	assert.Equal(t, 2.0, m.total)

	for id, want := range map[string]bool{"stale-1": false, "stale-2": false, "fresh": true, "paid": true} {
		o, err := store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o != nil, id)
	}
	assert.Equal(t, 2, db.Len(ledgertest.OrdersTable))
}

func TestSweepOnce_PaymentWithoutOrderLinkIsKept(t *testing.T) {
	store, db := newStore()
	ctx := context.Background()
	seedOrder(t, store, "o-1", 2*time.Hour)

	// a payment row that references the order but whose order link was never written
	_, err := store.RecordPayment(ctx, payment("o-1", "cf_orphan"), ledger.OrderPaymentUpdate{PaymentStatus: ledger.PaymentPaid, PaymentMethod: ledger.MethodUPI})
	require.NoError(t, err)
	order, err := store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	order.PaymentID = ""
	order.PaymentStatus = ledger.PaymentPending
	item, err := attributevalue.MarshalMap(order)
	require.NoError(t, err)
	db.Seed(ledgertest.OrdersTable, item)

	rep, err := newSweeper(store, nil, 10).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Deleted)

	o, err := store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.NotNil(t, o)
}

// racingLedger records a payment for the order between the scan and the delete.
type racingLedger struct {
	*ledger.Store
	t *testing.T
}

func (r racingLedger) OrderHasPayment(ctx context.Context, orderID string) (bool, error) {
	has, err := r.Store.OrderHasPayment(ctx, orderID)
	_, perr := r.Store.RecordPayment(ctx, payment(orderID, "cf_race_"+orderID), ledger.OrderPaymentUpdate{PaymentStatus: ledger.PaymentPaid, PaymentMethod: ledger.MethodUPI})
	require.NoError(r.t, perr)
	return has, err
}

func TestSweepOnce_WebhookRacingDeleteWins(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()
	seedOrder(t, store, "o-1", 2*time.Hour)

	rep, err := newSweeper(racingLedger{Store: store, t: t}, nil, 10).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Deleted)
	assert.Equal(t, 1, rep.Skipped)

	o, err := store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, ledger.PaymentPaid, o.PaymentStatus)
}

func TestSweepOnce_BoundedPages(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		seedOrder(t, store, fmt.Sprintf("o-%d", i), 2*time.Hour)
	}

	sw := newSweeper(store, nil, 1)
	sw.opts.MaxPages = 3
	rep, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, 3, rep.Deleted)
	assert.False(t, rep.Complete)

	sw.opts.MaxPages = 100
	rep, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Deleted)
	assert.True(t, rep.Complete)
}

func TestSweepOnce_ScanError(t *testing.T) {
	store, db := newStore()
	db.FailNext("Scan", errors.New("throttled"))

	_, err := newSweeper(store, nil, 10).SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store, _ := newStore()
	sw := newSweeper(store, nil, 10)
	sw.opts.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
