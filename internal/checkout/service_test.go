package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/imrishuroy/canteen-orderflow/internal/accounts"
	"github.com/imrishuroy/canteen-orderflow/internal/apperr"
	"github.com/imrishuroy/canteen-orderflow/internal/gateway"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger/ledgertest"
	"github.com/imrishuroy/canteen-orderflow/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu         sync.Mutex
	sessionErr error
	refund     *gateway.RefundResult
	refundErr  error
	sessions   []gateway.SessionRequest
	refunds    []gateway.RefundRequest
}

func (g *fakeGateway) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append(g.sessions, req)
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	return &gateway.Session{
		Token:    "session_" + req.OrderID,
		Metadata: map[string]any{"order_id": req.OrderID, "payment_session_id": "session_" + req.OrderID},
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if g.refund != nil {
		return g.refund, nil
	}
	return &gateway.RefundResult{Success: true, Settled: true, RefundID: gateway.RefundIDFor(req.TransactionID), Status: "SUCCESS"}, nil
}

type fixture struct {
	svc    *Service
	store  *ledger.Store
	db     *ledgertest.FakeDynamo
	gw     *fakeGateway
	notify *notify.Dispatcher
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := ledgertest.NewLedger()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewStore(db, ledger.Tables{
		Orders:        ledgertest.OrdersTable,
		Payments:      ledgertest.PaymentsTable,
		Notifications: ledgertest.NotificationsTable,
	}).WithClock(func() time.Time { return now })

	seedUser(t, db, accounts.User{UserID: "U1", Name: "Asha", Username: "asha", Email: "asha@example.edu", Phone: "9876543210", Role: accounts.RoleUser})
	seedUser(t, db, accounts.User{UserID: "S1", Name: "Counter", Email: "c1@example.edu", Role: accounts.RoleCanteen, CanteenID: "C1"})
	seedUser(t, db, accounts.User{UserID: "S2", Name: "Other counter", Email: "c2@example.edu", Role: accounts.RoleCanteen, CanteenID: "C2"})

	gw := &fakeGateway{}
	d := notify.NewDispatcher(store, nil, nil)
	svc := NewService(store, gw, accounts.NewDirectory(db, ledgertest.UsersTable), d, Options{
		ReturnURL: "https://app.example.edu/payment/return",
		NotifyURL: "https://api.example.edu/payment/webhook",
		Currency:  "INR",
	}, nil)
	svc.nowFunc = func() time.Time { return now }

	return &fixture{svc: svc, store: store, db: db, gw: gw, notify: d, now: now}
}

func seedUser(t *testing.T, db *ledgertest.FakeDynamo, u accounts.User) {
	t.Helper()
	item, err := attributevalue.MarshalMap(u)
	require.NoError(t, err)
	db.Seed(ledgertest.UsersTable, item)
}

func cart(method string) CreateOrderInput {
	return CreateOrderInput{
		BuyerID:     "U1",
		CanteenID:   "C1",
		CollegeID:   "COL1",
		TotalAmount: 180.5,
		Items: []ledger.LineItem{
			{ProductID: "P1", Name: "Veg Thali", Price: 120, Quantity: 1, TotalPrice: 120},
			{ProductID: "P2", Name: "Lassi", Price: 30.25, Quantity: 2, TotalPrice: 60.5},
		},
		PaymentMethod: method,
	}
}

// pay records a successful payment the way the webhook would.
func (f *fixture) pay(t *testing.T, orderID, txID string) {
	t.Helper()
	_, err := f.store.RecordPayment(context.Background(), ledger.Payment{
		OrderID:       orderID,
		UserID:        "U1",
		CanteenID:     "C1",
		PaymentMethod: ledger.MethodUPI,
		PaymentStatus: ledger.TxnSuccess,
		TransactionID: txID,
		Provider:      ledger.ProviderCashfree,
		AmountPaid:    180.5,
		PaymentTime:   f.now,
	}, ledger.OrderPaymentUpdate{PaymentStatus: ledger.PaymentPaid, PaymentMethod: ledger.MethodUPI})
	require.NoError(t, err)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, "session_"+res.OrderID, res.SessionID)
	assert.Equal(t, res.OrderID, res.OrderData["order_id"])

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, ledger.OrderPending, order.OrderStatus)
	assert.Equal(t, ledger.PaymentPending, order.PaymentStatus)
	assert.Equal(t, res.SessionID, order.SessionID)
	assert.Empty(t, order.PaymentID)
	assert.Len(t, order.Items, 2)

	require.Len(t, f.gw.sessions, 1)
	req := f.gw.sessions[0]
	assert.Equal(t, 180.5, req.Amount)
	assert.Equal(t, "INR", req.Currency)
	assert.Equal(t, "asha", req.Customer.Name)
	assert.Equal(t, "9876543210", req.Customer.Phone)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)

	mismatch := cart(ledger.MethodUPI)
	mismatch.TotalAmount = 180.49

	empty := cart(ledger.MethodUPI)
	empty.Items = nil

	method := cart("netbanking")

	zero := cart(ledger.MethodCard)
	zero.TotalAmount = 0

	noCanteen := cart(ledger.MethodCOD)
	noCanteen.CanteenID = ""

	for name, in := range map[string]CreateOrderInput{
		"total mismatch": mismatch,
		"empty cart":     empty,
		"unknown method": method,
		"zero total":     zero,
		"no canteen":     noCanteen,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), in)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.db.Len(ledgertest.OrdersTable))
	assert.Empty(t, f.gw.sessions)
}

func TestCreateOrder_UnknownBuyer(t *testing.T) {
	f := newFixture(t)
	in := cart(ledger.MethodUPI)
	in.BuyerID = "ghost"

	_, err := f.svc.CreateOrder(context.Background(), in)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, f.db.Len(ledgertest.OrdersTable))
}

func TestCreateOrder_GatewayFailureLeavesPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.gw.sessionErr = &gateway.Error{Op: "create session", StatusCode: 400, Code: "order_amount_invalid", Message: "order_amount : invalid value"}

	_, err := f.svc.CreateOrder(context.Background(), cart(ledger.MethodUPI))
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	detail, ok := ae.Detail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order_amount_invalid", detail["code"])

	items := f.db.Items(ledgertest.OrdersTable)
	require.Len(t, items, 1)
	var order ledger.Order
	require.NoError(t, attributevalue.UnmarshalMap(items[0], &order))
	assert.Equal(t, ledger.PlaceholderSession, order.SessionID)
	assert.Equal(t, ledger.OrderPending, order.OrderStatus)
}

func TestCancelOrder_CashOnDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodCOD))
	require.NoError(t, err)

	order, err := f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, order.OrderStatus)
	assert.Empty(t, f.gw.refunds)

	f.notify.Wait()
	notes, err := f.store.ListNotifications(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Order Cancelled", notes[0].Title)
	assert.Equal(t, res.OrderID, notes[0].RelatedRef)
}

func TestCancelOrder_RefundsPrepaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)
	f.pay(t, res.OrderID, "cf_991")

	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	require.NoError(t, err)

	require.Len(t, f.gw.refunds, 1)
	assert.Equal(t, "cf_991", f.gw.refunds[0].TransactionID)
	assert.Equal(t, 180.5, f.gw.refunds[0].Amount)

	payment, err := f.store.GetPaymentByTransaction(ctx, "cf_991")
	require.NoError(t, err)
	assert.Equal(t, ledger.RefundRefunded, payment.RefundStatus)
	assert.Equal(t, 180.5, payment.RefundedAmount)
	assert.Equal(t, "rf_cf_991", payment.RefundID)
	require.NotNil(t, payment.RefundTime)

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, order.OrderStatus)
}

func TestCancelOrder_PendingRefundIsProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.refund = &gateway.RefundResult{Success: true, RefundID: "rf_cf_7", Status: "PENDING"}
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodCard))
	require.NoError(t, err)
	f.pay(t, res.OrderID, "cf_7")

	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	require.NoError(t, err)

	payment, err := f.store.GetPaymentByTransaction(ctx, "cf_7")
	require.NoError(t, err)
	assert.Equal(t, ledger.RefundProcessing, payment.RefundStatus)
}

func TestCancelOrder_RefundFailureChangesNothing(t *testing.T) {
	for name, gw := range map[string]*fakeGateway{
		"rejected":  {refund: &gateway.RefundResult{Success: false, Status: "CANCELLED", Reason: "insufficient balance"}},
		"transport": {refundErr: &gateway.Error{Op: "refund", StatusCode: 503, Message: "service unavailable"}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.gateway = gw
			ctx := context.Background()
			res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
			require.NoError(t, err)
			f.pay(t, res.OrderID, "cf_1")

			_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
			require.Error(t, err)
			assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

			order, err := f.store.GetOrder(ctx, res.OrderID)
			require.NoError(t, err)
			assert.Equal(t, ledger.OrderPending, order.OrderStatus)
			assert.Equal(t, ledger.PaymentPaid, order.PaymentStatus)

			payment, err := f.store.GetPaymentByTransaction(ctx, "cf_1")
			require.NoError(t, err)
			assert.Equal(t, ledger.RefundNotRequested, payment.RefundStatus)
		})
	}
}

func TestCancelOrder_Guard(t *testing.T) {
	ctx := context.Background()
	for _, status := range []string{ledger.OrderPreparing, ledger.OrderReady, ledger.OrderCompleted, ledger.OrderCancelled} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodCOD))
			require.NoError(t, err)

			order, err := f.store.GetOrder(ctx, res.OrderID)
			require.NoError(t, err)
			order.OrderStatus = status
			item, err := attributevalue.MarshalMap(order)
			require.NoError(t, err)
			f.db.Seed(ledgertest.OrdersTable, item)

			_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

			after, err := f.store.GetOrder(ctx, res.OrderID)
			require.NoError(t, err)
			assert.Equal(t, status, after.OrderStatus)
			assert.Equal(t, order.PaymentStatus, after.PaymentStatus)
			assert.True(t, order.UpdatedAt.Equal(after.UpdatedAt))
			assert.Empty(t, f.gw.refunds)
		})
	}
}

func TestCancelOrder_OwnershipAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodCOD))
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U9"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: "missing", BuyerID: "U1"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAdvanceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)

	_, err = f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: res.OrderID, Status: ledger.OrderPreparing, StaffID: "S1"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "unpaid prepaid order must not start preparing")

	f.pay(t, res.OrderID, "cf_42")

	_, err = f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: res.OrderID, Status: ledger.OrderPreparing, StaffID: "S2"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: res.OrderID, Status: ledger.OrderReady, StaffID: "S1"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "steps cannot be skipped")

	_, err = f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: res.OrderID, Status: ledger.OrderCancelled, StaffID: "S1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	for _, next := range []string{ledger.OrderPreparing, ledger.OrderReady, ledger.OrderCompleted} {
		order, err := f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: res.OrderID, Status: next, StaffID: "S1"})
		require.NoError(t, err, next)
		assert.Equal(t, next, order.OrderStatus)
	}

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCompleted, order.OrderStatus)
	assert.NotNil(t, order.PickupTime)
	assert.NotNil(t, order.DeliveredAt)

	f.notify.Wait()
	notes, err := f.store.ListNotifications(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Order Ready For Pickup", notes[0].Title)

	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestPaymentStatusAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)

	view, err := f.svc.PaymentStatus(ctx, res.OrderID, "U1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, view.PaymentStatus)
	assert.Nil(t, view.Payment)

	f.pay(t, res.OrderID, "cf_5")
	view, err = f.svc.PaymentStatus(ctx, res.OrderID, "U1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPaid, view.PaymentStatus)
	require.NotNil(t, view.Payment)
	assert.Equal(t, "cf_5", view.Payment.TransactionID)

	_, err = f.svc.PaymentStatus(ctx, res.OrderID, "U2")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	orders, err := f.svc.ListOrders(ctx, "U1", "C1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, res.OrderID, orders[0].OrderID)

	orders, err = f.svc.ListOrders(ctx, "U1", "C2")
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = f.svc.ListOrders(ctx, "", "C1")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// payingLedger records a payment right after the cancel path looked for one.
type payingLedger struct {
	*ledger.Store
	once  sync.Once
	onPay func()
}

func (l *payingLedger) FindPaymentForOrder(ctx context.Context, orderID string) (*ledger.Payment, error) {
	p, err := l.Store.FindPaymentForOrder(ctx, orderID)
	l.once.Do(l.onPay)
	return p, err
}

func TestCancelOrder_PaymentLandingMidCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)

	f.svc.ledger = &payingLedger{Store: f.store, onPay: func() { f.pay(t, res.OrderID, "cf_late") }}
	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Empty(t, f.gw.refunds)

	order, err := f.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPending, order.OrderStatus)
	assert.Equal(t, ledger.PaymentPaid, order.PaymentStatus)

	// the retry sees the payment and refunds it
	f.svc.ledger = f.store
	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: res.OrderID, BuyerID: "U1"})
	require.NoError(t, err)
	require.Len(t, f.gw.refunds, 1)
	assert.Equal(t, "cf_late", f.gw.refunds[0].TransactionID)

	payment, err := f.store.GetPaymentByTransaction(ctx, "cf_late")
	require.NoError(t, err)
	assert.Equal(t, ledger.RefundRefunded, payment.RefundStatus)
}

func TestLifecycleNoticesAreNotSwallowedByPaymentNotices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the notices the webhook sends for a paid order
	paid := func(orderID string) {
		f.pay(t, orderID, "cf_"+orderID)
		_, err := f.notify.Notify(ctx, notify.Request{
			UserIDs: []string{"U1"}, ReceiverRole: ledger.RoleStudent, CanteenID: "C1",
			Title: "Order Placed Successfully", Message: "placed", Type: ledger.NotifyOrder,
			RelatedRef: orderID, RefModel: ledger.RefModelOrder,
		})
		require.NoError(t, err)
		_, err = f.notify.Notify(ctx, notify.Request{
			UserIDs: []string{"S1"}, ReceiverRole: ledger.RoleCanteen, CanteenID: "C1",
			Title: "New Order Received", Message: "new", Type: ledger.NotifyOrder,
			RelatedRef: orderID, RefModel: ledger.RefModelOrder,
		})
		require.NoError(t, err)
	}

	ready, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)
	paid(ready.OrderID)
	for _, next := range []string{ledger.OrderPreparing, ledger.OrderReady} {
		_, err := f.svc.AdvanceOrder(ctx, AdvanceInput{OrderID: ready.OrderID, Status: next, StaffID: "S1"})
		require.NoError(t, err, next)
	}

	cancelled, err := f.svc.CreateOrder(ctx, cart(ledger.MethodUPI))
	require.NoError(t, err)
	paid(cancelled.OrderID)
	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: cancelled.OrderID, BuyerID: "U1"})
	require.NoError(t, err)

	f.notify.Wait()
	titlesFor := func(userID, orderID string) []string {
		notes, err := f.store.ListNotifications(ctx, userID)
		require.NoError(t, err)
		var titles []string
		for _, n := range notes {
			if n.RelatedRef == orderID {
				titles = append(titles, n.Title)
			}
		}
		return titles
	}
	assert.ElementsMatch(t, []string{"Order Placed Successfully", "Order Ready For Pickup"}, titlesFor("U1", ready.OrderID))
	assert.ElementsMatch(t, []string{"New Order Received", "Order Cancelled"}, titlesFor("S1", cancelled.OrderID))
}
