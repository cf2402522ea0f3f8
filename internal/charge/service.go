package charge

import (
	"context"
	"errors"
	"fmt"

	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/logging"
	"github.com/lbruckner/creditmeter/internal/metrics"
)

// Service provides charge business logic on top of the ledger.
type Service struct {
	ledger ledger.Store
	flags  FailedRefundSink
}

// NewService creates a new charge service. flags may be nil, in which case
// failed refunds are only logged.
func NewService(store ledger.Store, flags FailedRefundSink) *Service {
	return &Service{ledger: store, flags: flags}
}

// Charge debits amount from the user's class balance.
//
// When referenceTxID is set the charge is idempotent: a retry carrying the
// same reference returns the original deduction with Existing=true and
// debits nothing.
func (s *Service) Charge(ctx context.Context, userID int64, class ledger.Class, amount int64, referenceTxID string) (*Result, error) {
	if amount <= 0 {
		metrics.ChargesTotal.WithLabelValues("error").Inc()
		return nil, ledger.ErrInvalidAmount
	}
	if !class.Valid() {
		metrics.ChargesTotal.WithLabelValues("error").Inc()
		return nil, ledger.ErrInvalidClass
	}

	if referenceTxID != "" {
		if existing, err := s.ledger.FindByReference(ctx, referenceTxID); err == nil {
			metrics.ChargesTotal.WithLabelValues("duplicate").Inc()
			return s.replayed(ctx, userID, class, existing), nil
		}
	}

	tx, remaining, err := s.ledger.Deduct(ctx, userID, class, amount, referenceTxID)
	if err != nil {
		// A concurrent retry with the same reference won the race; its
		// deduction is the authoritative one.
		if errors.Is(err, ledger.ErrDuplicateReference) {
			if existing, ferr := s.ledger.FindByReference(ctx, referenceTxID); ferr == nil {
				metrics.ChargesTotal.WithLabelValues("duplicate").Inc()
				return s.replayed(ctx, userID, class, existing), nil
			}
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.ChargesTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.ChargesTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.ChargesTotal.WithLabelValues("success").Inc()
	metrics.CreditsDeductedTotal.WithLabelValues(string(class)).Add(float64(amount))
	return &Result{DeductionID: tx.ID, Remaining: remaining, Existing: false}, nil
}

// replayed builds the response for an idempotent retry. The remaining
// balance reflects the current state, not the balance at first execution.
func (s *Service) replayed(ctx context.Context, userID int64, class ledger.Class, existing *ledger.Transaction) *Result {
	remaining, err := s.ledger.GetBalance(ctx, userID, class)
	if err != nil {
		remaining = 0
	}
	return &Result{DeductionID: existing.ID, Remaining: remaining, Existing: true}
}

// Refund credits amount back after a failed provider call. A refund that
// cannot be applied is flagged for reconciliation so the user's credits are
// not silently lost.
func (s *Service) Refund(ctx context.Context, userID int64, class ledger.Class, amount int64, deductionID int64, reason string) error {
	_, _, err := s.ledger.Refund(ctx, userID, class, amount, fmt.Sprintf("deduction:%d", deductionID))
	if err == nil {
		metrics.RefundsTotal.WithLabelValues("success").Inc()
		return nil
	}

	metrics.RefundsTotal.WithLabelValues("failed").Inc()
	logging.L(ctx).Error("refund failed, flagging for reconciliation",
		"user_id", userID, "class", class, "amount", amount,
		"deduction_id", deductionID, "error", err)

	if s.flags != nil {
		if ferr := s.flags.Flag(ctx, userID, class, amount, deductionID, reason+": "+err.Error()); ferr != nil {
			logging.L(ctx).Error("failed to flag refund", "deduction_id", deductionID, "error", ferr)
		}
	}
	return err
}

// Execute runs a paid action with debit-first semantics: the charge commits
// before action runs, and an action error triggers a compensating refund.
// The returned error wraps ErrProviderFailed together with the action's
// error so callers can surface the provider detail.
func (s *Service) Execute(ctx context.Context, userID int64, class ledger.Class, cost int64, action func(ctx context.Context) error) (*Result, error) {
	res, err := s.Charge(ctx, userID, class, cost, "")
	if err != nil {
		return nil, err
	}

	if err := action(ctx); err != nil {
		_ = s.Refund(ctx, userID, class, cost, res.DeductionID, "provider failure")
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	return res, nil
}

// Balance returns the user's per-class balances. Classes without an account
// row report zero.
func (s *Service) Balance(ctx context.Context, userID int64) (map[ledger.Class]int64, error) {
	out := make(map[ledger.Class]int64, 2)
	for _, class := range []ledger.Class{ledger.ClassBasis, ledger.ClassPremium} {
		bal, err := s.ledger.GetBalance(ctx, userID, class)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				out[class] = 0
				continue
			}
			return nil, err
		}
		out[class] = bal
	}
	return out, nil
}

// History returns the user's most recent transactions, newest first.
// A beforeID > 0 continues an earlier page.
func (s *Service) History(ctx context.Context, userID int64, beforeID int64, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledger.History(ctx, userID, beforeID, limit)
}
