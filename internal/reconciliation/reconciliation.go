// Package reconciliation settles refunds that could not be applied when a
// provider call failed. Each failed refund is parked as a dead-letter row;
// a background worker and an operator endpoint retry them until the credits
// are back on the user's balance.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/logging"
	"github.com/lbruckner/creditmeter/internal/metrics"
	"github.com/lbruckner/creditmeter/internal/retry"
	"github.com/lbruckner/creditmeter/internal/syncutil"
)

// Errors
var (
	ErrNotFound        = errors.New("reconciliation: failed refund not found")
	ErrAlreadyResolved = errors.New("reconciliation: refund already resolved")
)

// FailedRefund is one refund awaiting settlement.
type FailedRefund struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"userId"`
	Class       ledger.Class `json:"class"`
	Amount      int64        `json:"amount"`
	DeductionID int64        `json:"deductionId"`
	Reason      string       `json:"reason"`
	Attempts    int          `json:"attempts"`
	Resolved    bool         `json:"resolved"`
	CreatedAt   time.Time    `json:"createdAt"`
	ResolvedAt  *time.Time   `json:"resolvedAt,omitempty"`
}

// Store persists the dead-letter queue.
type Store interface {
	Add(ctx context.Context, fr *FailedRefund) error
	Get(ctx context.Context, id int64) (*FailedRefund, error)
	ListPending(ctx context.Context, limit int) ([]*FailedRefund, error)
	MarkResolved(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int, error)
}

// Service flags and retries failed refunds.
type Service struct {
	store  Store
	ledger ledger.Store

	// locks serializes retries per refund id so the background worker and
	// the operator endpoint cannot both apply the same refund.
	locks syncutil.ContextShardedMutex
}

// NewService creates a reconciliation service.
func NewService(store Store, ledgerStore ledger.Store) *Service {
	return &Service{store: store, ledger: ledgerStore}
}

// Flag parks a refund that could not be applied. Implements the charge
// service's FailedRefundSink.
func (s *Service) Flag(ctx context.Context, userID int64, class ledger.Class, amount int64, deductionID int64, reason string) error {
	fr := &FailedRefund{
		UserID:      userID,
		Class:       class,
		Amount:      amount,
		DeductionID: deductionID,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Add(ctx, fr); err != nil {
		return fmt.Errorf("park failed refund: %w", err)
	}
	s.updateGauge(ctx)
	return nil
}

// ListPending returns unresolved refunds, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*FailedRefund, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListPending(ctx, limit)
}

// Retry applies one parked refund. On success the row is resolved and the
// credits are back on the balance; on failure the attempt count grows and
// the row stays pending.
func (s *Service) Retry(ctx context.Context, id int64) (*FailedRefund, error) {
	unlock, err := s.locks.LockContext(ctx, fmt.Sprintf("refund:%d", id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	fr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fr.Resolved {
		return fr, ErrAlreadyResolved
	}

	_, _, err = s.ledger.Refund(ctx, fr.UserID, fr.Class, fr.Amount, fmt.Sprintf("reconciliation:%d", fr.ID))
	switch {
	case errors.Is(err, ledger.ErrDuplicateReference):
		// An earlier attempt credited the user but failed to resolve the
		// row. The reference constraint blocks a second credit; all that is
		// left is settling the row itself.
		logging.L(ctx).Warn("refund already credited, settling row", "id", fr.ID)
	case err != nil:
		_ = s.store.IncrementAttempts(ctx, fr.ID)
		return fr, fmt.Errorf("retry refund %d: %w", fr.ID, err)
	}

	if err := s.store.MarkResolved(ctx, fr.ID); err != nil {
		// The credit landed; a failed status update must not trigger a
		// second refund, so surface it loudly instead.
		logging.L(ctx).Error("refund applied but not marked resolved", "id", fr.ID, "error", err)
		return fr, err
	}

	metrics.RefundsTotal.WithLabelValues("success").Inc()
	s.updateGauge(ctx)
	return s.store.Get(ctx, fr.ID)
}

// RetryAll works through the pending queue with backoff per row.
// Returns how many refunds were settled.
func (s *Service) RetryAll(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("list pending refunds: %w", err)
	}

	resolved := 0
	for _, fr := range pending {
		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			_, rerr := s.Retry(ctx, fr.ID)
			if errors.Is(rerr, ErrAlreadyResolved) || errors.Is(rerr, ErrNotFound) {
				return retry.Permanent(rerr)
			}
			return rerr
		})
		if err == nil {
			resolved++
		} else if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
	}
	s.updateGauge(ctx)
	return resolved, nil
}

func (s *Service) updateGauge(ctx context.Context) {
	if n, err := s.store.CountPending(ctx); err == nil {
		metrics.FailedRefundsPending.Set(float64(n))
	}
}
