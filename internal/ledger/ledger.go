// Package ledger tracks character-credit balances per user and credit class.
//
// Flow:
//  1. A purchase webhook credits a user's balance (PURCHASE_* transaction)
//  2. Paid requests debit the balance before the provider call (DEDUCTION_*)
//  3. Failed provider calls are compensated with a REFUND transaction
//
// Every balance change commits together with its transaction-log row in a
// single durable operation. The log is append-only; reference_tx_id and
// stripe_event_id act as natural idempotency keys backed by uniqueness
// constraints.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrInvalidAmount       = errors.New("ledger: amount must be a positive integer")
	ErrInvalidClass        = errors.New("ledger: unknown credit class")
	ErrInsufficientFunds   = errors.New("ledger: insufficient credits")
	ErrDuplicateReference  = errors.New("ledger: reference already recorded")
	ErrDuplicateEvent      = errors.New("ledger: event already applied")
)

// InsufficientFundsError carries the current balance so callers can report it.
type InsufficientFundsError struct {
	Balance int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits (balance %d)", e.Balance)
}

// Is lets errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Class is a credit bucket. Basis and premium balances are tracked separately.
type Class string

const (
	ClassBasis   Class = "basis"
	ClassPremium Class = "premium"
)

// Valid reports whether the class is one of the known buckets.
func (c Class) Valid() bool {
	return c == ClassBasis || c == ClassPremium
}

// ClassFor maps the request-level premium flag to a credit class.
func ClassFor(isPremium bool) Class {
	if isPremium {
		return ClassPremium
	}
	return ClassBasis
}

// Type identifies the kind of balance change a transaction records.
type Type string

const (
	TypeDeductionBasis   Type = "DEDUCTION_BASIS"
	TypeDeductionPremium Type = "DEDUCTION_PREMIUM"
	TypeRefund           Type = "REFUND"
	TypePurchaseBasis    Type = "PURCHASE_BASIS"
	TypePurchasePremium  Type = "PURCHASE_PREMIUM"
)

// DeductionType returns the deduction transaction type for a class.
func DeductionType(class Class) Type {
	if class == ClassPremium {
		return TypeDeductionPremium
	}
	return TypeDeductionBasis
}

// PurchaseType returns the purchase transaction type for a class.
func PurchaseType(class Class) Type {
	if class == ClassPremium {
		return TypePurchasePremium
	}
	return TypePurchaseBasis
}

// Status marks the recorded outcome of a transaction.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Transaction is one immutable row of the audit log.
type Transaction struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	Type          Type      `json:"type"`
	Amount        int64     `json:"amount"`
	Status        Status    `json:"status"`
	ReferenceTxID string    `json:"referenceTxId,omitempty"`
	StripeEventID string    `json:"stripeEventId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Balance is the read model for one account row.
type Balance struct {
	UserID    int64     `json:"userId"`
	Class     Class     `json:"class"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists accounts and the transaction log.
//
// Deduct, Refund and ApplyPurchase must each commit the balance change and
// the log row atomically: either both happen or neither does. Concurrent
// calls against the same account must serialize so no update is lost.
type Store interface {
	CreateAccount(ctx context.Context, userID int64, class Class, initial int64) error
	GetBalance(ctx context.Context, userID int64, class Class) (int64, error)

	// AdjustBalance applies delta as a single atomic read-modify-write.
	// A negative delta that would take the balance below zero fails with
	// *InsufficientFundsError and leaves the balance unchanged.
	AdjustBalance(ctx context.Context, userID int64, class Class, delta int64) (int64, error)

	// Deduct debits amount and appends a DEDUCTION_* row, optionally tagged
	// with the caller's referenceTxID. If the reference already exists the
	// store fails with ErrDuplicateReference and nothing is applied.
	Deduct(ctx context.Context, userID int64, class Class, amount int64, referenceTxID string) (*Transaction, int64, error)

	// Refund credits amount back and appends a REFUND row tagged with
	// reference. A non-empty reference that already exists fails with
	// ErrDuplicateReference and credits nothing, so retried refunds are
	// applied at most once.
	Refund(ctx context.Context, userID int64, class Class, amount int64, reference string) (*Transaction, int64, error)

	// ApplyPurchase credits amount and appends a PURCHASE_* row carrying the
	// Stripe event id. Replays fail with ErrDuplicateEvent and apply nothing.
	ApplyPurchase(ctx context.Context, userID int64, class Class, amount int64, stripeEventID string) (*Transaction, int64, error)

	FindByReference(ctx context.Context, referenceTxID string) (*Transaction, error)
	FindByStripeEvent(ctx context.Context, stripeEventID string) (*Transaction, error)
	// History returns the user's transactions newest first. A beforeID > 0
	// restricts the page to rows older than that transaction id.
	History(ctx context.Context, userID int64, beforeID int64, limit int) ([]*Transaction, error)
}
