package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/testutil"
)

func TestPostgresFailedRefundLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	fr := &FailedRefund{
		UserID:      1,
		Class:       ledger.ClassBasis,
		Amount:      5,
		DeductionID: 77,
		Reason:      "provider timeout",
	}
	if err := store.Add(ctx, fr); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if fr.ID == 0 {
		t.Fatal("Expected Add to assign an id")
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].DeductionID != 77 {
		t.Fatalf("Unexpected pending rows: %+v", pending)
	}

	if err := store.IncrementAttempts(ctx, fr.ID); err != nil {
		t.Fatalf("IncrementAttempts failed: %v", err)
	}
	if err := store.MarkResolved(ctx, fr.ID); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}

	got, err := store.Get(ctx, fr.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != 1 || !got.Resolved || got.ResolvedAt == nil {
		t.Errorf("Unexpected row after resolve: %+v", got)
	}

	if n, err := store.CountPending(ctx); err != nil || n != 0 {
		t.Errorf("Expected 0 pending, got %d (err %v)", n, err)
	}

	if _, err := store.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
