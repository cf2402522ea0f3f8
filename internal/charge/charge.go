// Package charge implements metered billing for paid requests.
//
// The flow is debit-first: credits are deducted before the upstream work
// runs, and a failed provider call is compensated with a refund. A refund
// that itself fails is flagged for reconciliation instead of being lost.
package charge

import (
	"context"
	"errors"

	"github.com/lbruckner/creditmeter/internal/ledger"
)

// ErrProviderFailed wraps an upstream failure after the charge was refunded.
var ErrProviderFailed = errors.New("charge: provider call failed")

// CreditsPerBlock is the number of characters covered by one credit.
const CreditsPerBlock = 10

// Cost prices a text at one credit per started block of ten characters,
// with a minimum of one credit.
func Cost(text string) int64 {
	n := int64(len([]rune(text)))
	cost := (n + CreditsPerBlock - 1) / CreditsPerBlock
	if cost < 1 {
		cost = 1
	}
	return cost
}

// Result is the outcome of a successful (or replayed) charge.
type Result struct {
	DeductionID int64 `json:"deductionId"`
	Remaining   int64 `json:"remaining"`
	Existing    bool  `json:"existing"`
}

// FailedRefundSink records refunds that could not be applied so an operator
// or background worker can settle them later.
type FailedRefundSink interface {
	Flag(ctx context.Context, userID int64, class ledger.Class, amount int64, deductionID int64, reason string) error
}
