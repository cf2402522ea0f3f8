package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, userID, basis int64) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.CreateAccount(context.Background(), userID, ClassBasis, basis); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return store
}

func TestDeduct(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	tx, remaining, err := store.Deduct(ctx, 1, ClassBasis, 30, "")
	if err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if remaining != 70 {
		t.Errorf("Expected remaining 70, got %d", remaining)
	}
	if tx.Type != TypeDeductionBasis {
		t.Errorf("Expected DEDUCTION_BASIS, got %s", tx.Type)
	}
	if tx.ID == 0 {
		t.Error("Expected assigned transaction id")
	}
}

func TestDeductInsufficientFunds(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	if _, _, err := store.Deduct(ctx, 1, ClassBasis, 30, ""); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	_, _, err := store.Deduct(ctx, 1, ClassBasis, 80, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected *InsufficientFundsError, got %T", err)
	}
	if insufficient.Balance != 70 {
		t.Errorf("Expected reported balance 70, got %d", insufficient.Balance)
	}

	// No state change on failure.
	bal, err := store.GetBalance(ctx, 1, ClassBasis)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal != 70 {
		t.Errorf("Expected balance 70 after failed charge, got %d", bal)
	}
}

func TestDeductUnknownAccount(t *testing.T) {
	store := NewMemoryStore()

	_, _, err := store.Deduct(context.Background(), 42, ClassBasis, 10, "")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestDeductRejectsNonPositiveAmount(t *testing.T) {
	store := newTestStore(t, 1, 100)

	for _, amount := range []int64{0, -5} {
		if _, _, err := store.Deduct(context.Background(), 1, ClassBasis, amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deduct(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDeductDuplicateReference(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	first, _, err := store.Deduct(ctx, 1, ClassBasis, 10, "client-ref-1")
	if err != nil {
		t.Fatalf("First deduct failed: %v", err)
	}

	if _, _, err := store.Deduct(ctx, 1, ClassBasis, 10, "client-ref-1"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("Expected ErrDuplicateReference, got %v", err)
	}

	// The loser can fetch the winner's row.
	winner, err := store.FindByReference(ctx, "client-ref-1")
	if err != nil {
		t.Fatalf("FindByReference failed: %v", err)
	}
	if winner.ID != first.ID {
		t.Errorf("Expected winning tx %d, got %d", first.ID, winner.ID)
	}

	// Exactly one debit happened.
	bal, _ := store.GetBalance(ctx, 1, ClassBasis)
	if bal != 90 {
		t.Errorf("Expected balance 90, got %d", bal)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	if _, _, err := store.Deduct(ctx, 1, ClassBasis, 40, ""); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	tx, newBalance, err := store.Refund(ctx, 1, ClassBasis, 40, "deduct-1")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if newBalance != 100 {
		t.Errorf("Expected balance restored to 100, got %d", newBalance)
	}
	if tx.Type != TypeRefund {
		t.Errorf("Expected REFUND, got %s", tx.Type)
	}
}

func TestRefundDuplicateReferenceNotReapplied(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	if _, _, err := store.Deduct(ctx, 1, ClassBasis, 40, ""); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if _, _, err := store.Refund(ctx, 1, ClassBasis, 40, "refund-1"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	// A replay carrying the same reference must credit nothing.
	if _, _, err := store.Refund(ctx, 1, ClassBasis, 40, "refund-1"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("Expected ErrDuplicateReference, got %v", err)
	}

	bal, _ := store.GetBalance(ctx, 1, ClassBasis)
	if bal != 100 {
		t.Errorf("Refund applied twice: balance %d", bal)
	}
}

func TestApplyPurchase(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx, newBalance, err := store.ApplyPurchase(ctx, 5, ClassBasis, 10000, "evt_1")
	if err != nil {
		t.Fatalf("ApplyPurchase failed: %v", err)
	}
	if newBalance != 10000 {
		t.Errorf("Expected balance 10000, got %d", newBalance)
	}
	if tx.Type != TypePurchaseBasis || tx.StripeEventID != "evt_1" {
		t.Errorf("Unexpected transaction: %+v", tx)
	}

	// Replaying the same event applies nothing.
	if _, _, err := store.ApplyPurchase(ctx, 5, ClassBasis, 10000, "evt_1"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}
	bal, _ := store.GetBalance(ctx, 5, ClassBasis)
	if bal != 10000 {
		t.Errorf("Expected balance 10000 after replay, got %d", bal)
	}

	txs, _ := store.History(ctx, 5, 0, 10)
	if len(txs) != 1 {
		t.Errorf("Expected exactly one PURCHASE row, got %d", len(txs))
	}
}

func TestAdjustBalanceNeverNegative(t *testing.T) {
	store := newTestStore(t, 1, 5)
	ctx := context.Background()

	current, err := store.AdjustBalance(ctx, 1, ClassBasis, -10)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if current != 5 {
		t.Errorf("Expected current balance 5 in failure response, got %d", current)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.CreateAccount(ctx, 1, ClassBasis, 100)
	store.CreateAccount(ctx, 1, ClassPremium, 50)

	if _, _, err := store.Deduct(ctx, 1, ClassPremium, 50, ""); err != nil {
		t.Fatalf("Premium deduct failed: %v", err)
	}

	basis, _ := store.GetBalance(ctx, 1, ClassBasis)
	premium, _ := store.GetBalance(ctx, 1, ClassPremium)
	if basis != 100 || premium != 0 {
		t.Errorf("Expected basis=100 premium=0, got basis=%d premium=%d", basis, premium)
	}
}

func TestConcurrentUnitCharges(t *testing.T) {
	const (
		workers = 50
		balance = 20
	)
	store := newTestStore(t, 1, balance)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Deduct(ctx, 1, ClassBasis, 1, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	if succeeded != balance {
		t.Errorf("Expected exactly %d successful charges, got %d", balance, succeeded)
	}
	if insufficient != workers-balance {
		t.Errorf("Expected %d insufficient-funds failures, got %d", workers-balance, insufficient)
	}

	final, _ := store.GetBalance(ctx, 1, ClassBasis)
	if final != 0 {
		t.Errorf("Expected final balance 0, got %d", final)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newTestStore(t, 1, 100)
	ctx := context.Background()

	store.Deduct(ctx, 1, ClassBasis, 10, "")
	store.Deduct(ctx, 1, ClassBasis, 20, "")
	store.Refund(ctx, 1, ClassBasis, 20, "ref")

	txs, err := store.History(ctx, 1, 0, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(txs))
	}
	if txs[0].Type != TypeRefund {
		t.Errorf("Expected newest entry first, got %s", txs[0].Type)
	}
}
