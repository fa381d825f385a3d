package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/canteen-orderflow/internal/ledger/ledgertest"
)

func newTestStore(now *time.Time) (*Store, *ledgertest.FakeDynamo) {
	db := ledgertest.NewLedger()
	s := NewStore(db, ledgertest.IdempotencyTable, 48*time.Hour).WithClock(func() time.Time { return *now })
	return s, db
}

func TestClaim_Get_MarkDone(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, db := newTestStore(&now)
	ctx := context.Background()
	key := "test-key-1"

	claimed, err := s.Claim(ctx, key, "U1")
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected claimed=true")
	}

	// second claim while IN_PROGRESS must not take over
	claimed2, err := s.Claim(ctx, key, "U1")
	if err != nil {
		t.Fatalf("second Claim error: %v", err)
	}
	if claimed2 {
		t.Fatalf("expected claimed=false on duplicate claim")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.ExpiresAt != now.Add(48*time.Hour).Unix() {
		t.Fatalf("expires_at = %d", rec.ExpiresAt)
	}

	if err := s.MarkDone(ctx, key, "order-123", `{"ok":true}`, 200); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	item := db.Items(ledgertest.IdempotencyTable)[0]
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != `{"ok":true}` {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	// a DONE record is never reclaimed inside its TTL
	claimed3, err := s.Claim(ctx, key, "U1")
	if err != nil || claimed3 {
		t.Fatalf("DONE key reclaimed: claimed=%v err=%v", claimed3, err)
	}

	// and MarkDone only applies to IN_PROGRESS
	if err := s.MarkDone(ctx, key, "order-456", "{}", 200); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestClaim_FailedKeyRetryableByOwnerOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if ok, err := s.Claim(ctx, "k", "U1"); err != nil || !ok {
		t.Fatalf("Claim: %v %v", ok, err)
	}
	if err := s.MarkFailed(ctx, "k", "gateway down"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	rec, _ := s.Get(ctx, "k")
	if rec.Status != StatusFailed || rec.Note != "gateway down" {
		t.Fatalf("unexpected record after MarkFailed: %+v", rec)
	}

	if ok, err := s.Claim(ctx, "k", "U2"); err != nil || ok {
		t.Fatalf("another caller took over a failed key: %v %v", ok, err)
	}
	if ok, err := s.Claim(ctx, "k", "U1"); err != nil || !ok {
		t.Fatalf("owner could not retry a failed key: %v %v", ok, err)
	}
}

func TestClaim_ExpiredRecordIsReclaimed(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if ok, err := s.Claim(ctx, "k", "U1"); err != nil || !ok {
		t.Fatalf("Claim: %v %v", ok, err)
	}
	now = now.Add(49 * time.Hour)
	if ok, err := s.Claim(ctx, "k", "U2"); err != nil || !ok {
		t.Fatalf("expired key not reclaimed: %v %v", ok, err)
	}
}

func TestMarkFailed_MissingKey(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(&now)
	if err := s.MarkFailed(context.Background(), "missing", "x"); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}
