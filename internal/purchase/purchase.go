// Package purchase applies Stripe checkout events to the credit ledger.
//
// Only checkout.session.completed events carry credit purchases. Every event
// passes signature verification, then deduplication on its Stripe event id,
// before any balance is credited. A replayed delivery acknowledges without
// crediting twice.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lbruckner/creditmeter/internal/account"
	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/logging"
	"github.com/lbruckner/creditmeter/internal/metrics"
)

// Errors
var (
	ErrBadSignature    = errors.New("purchase: invalid webhook signature")
	ErrInvalidPayload  = errors.New("purchase: malformed event payload")
	ErrMissingMetadata = errors.New("purchase: required metadata missing")
	ErrInvalidMetadata = errors.New("purchase: invalid metadata values")
	ErrUnknownUser     = errors.New("purchase: user not found")
)

// DefaultTolerance is the accepted clock skew for webhook timestamps.
const DefaultTolerance = 300 * time.Second

const eventCheckoutCompleted = "checkout.session.completed"

// Outcome describes how an event was settled.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnoredType Outcome = "ignored_type"
)

// Receipt reports the processing result for one webhook delivery.
type Receipt struct {
	Outcome       Outcome      `json:"outcome"`
	EventID       string       `json:"eventId"`
	UserID        int64        `json:"userId,omitempty"`
	Class         ledger.Class `json:"class,omitempty"`
	Amount        int64        `json:"amount,omitempty"`
	TransactionID int64        `json:"transactionId,omitempty"`
	NewBalance    int64        `json:"newBalance,omitempty"`
}

// UserDirectory checks purchase targets against known users.
type UserDirectory interface {
	GetByID(ctx context.Context, id int64) (*account.User, error)
	ByStripeCustomer(ctx context.Context, customerID string) (*account.User, error)
}

// Service verifies and applies Stripe webhook events.
type Service struct {
	ledger    ledger.Store
	users     UserDirectory
	secret    string
	tolerance time.Duration
}

// NewService creates a webhook service. An empty secret disables signature
// verification (demo mode only; log output warns about it at startup).
func NewService(store ledger.Store, users UserDirectory, secret string) *Service {
	return &Service{
		ledger:    store,
		users:     users,
		secret:    secret,
		tolerance: DefaultTolerance,
	}
}

// WithTolerance overrides the signature timestamp tolerance.
func (s *Service) WithTolerance(d time.Duration) *Service {
	if d > 0 {
		s.tolerance = d
	}
	return s
}

// checkoutSession is the slice of the event object we consume.
type checkoutSession struct {
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// HandleEvent verifies, deduplicates and applies one webhook delivery.
// payload is the raw request body; sigHeader the Stripe-Signature header.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, sigHeader string) (*Receipt, error) {
	event, err := s.verify(payload, sigHeader)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected_signature").Inc()
		return nil, err
	}

	if event.ID == "" {
		metrics.WebhookEventsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	if string(event.Type) != eventCheckoutCompleted {
		metrics.WebhookEventsTotal.WithLabelValues("ignored_type").Inc()
		logging.L(ctx).Debug("ignoring non-checkout event", "event_id", event.ID, "type", event.Type)
		return &Receipt{Outcome: OutcomeIgnoredType, EventID: event.ID}, nil
	}

	var session checkoutSession
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
		metrics.WebhookEventsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: unreadable session object", ErrInvalidPayload)
	}

	amount, class, err := parsePurchase(session.Metadata)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	userID, err := s.resolveUser(ctx, session)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			metrics.WebhookEventsTotal.WithLabelValues("unknown_user").Inc()
		} else {
			metrics.WebhookEventsTotal.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	tx, newBalance, err := s.ledger.ApplyPurchase(ctx, userID, class, amount, event.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
			logging.L(ctx).Info("stripe event already applied", "event_id", event.ID)
			return &Receipt{Outcome: OutcomeDuplicate, EventID: event.ID, UserID: userID}, nil
		}
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("apply purchase: %w", err)
	}

	metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	logging.L(ctx).Info("credited purchase",
		"event_id", event.ID, "user_id", userID, "class", class, "amount", amount)

	return &Receipt{
		Outcome:       OutcomeApplied,
		EventID:       event.ID,
		UserID:        userID,
		Class:         class,
		Amount:        amount,
		TransactionID: tx.ID,
		NewBalance:    newBalance,
	}, nil
}

// verify checks the signature and parses the event. Without a configured
// secret the payload is trusted as-is.
func (s *Service) verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if s.secret == "" {
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return event, nil
	}

	event, err := webhook.ConstructEventWithTolerance(payload, sigHeader, s.secret, s.tolerance)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return event, nil
}

// parsePurchase extracts the purchased amount and class from checkout
// metadata. The keys follow the checkout-session creation flow:
// char_quantity, char_type.
func parsePurchase(md map[string]string) (amount int64, class ledger.Class, err error) {
	quantityRaw := firstOf(md, "char_quantity", "charQuantity", "chars")
	typeRaw := firstOf(md, "char_type", "charType", "type")

	if quantityRaw == "" || typeRaw == "" {
		return 0, "", ErrMissingMetadata
	}

	amount, qerr := strconv.ParseInt(quantityRaw, 10, 64)
	if qerr != nil || amount <= 0 {
		return 0, "", ErrInvalidMetadata
	}

	class = ledger.Class(strings.ToLower(typeRaw))
	if !class.Valid() {
		return 0, "", fmt.Errorf("%w: unknown char_type %q", ErrInvalidMetadata, typeRaw)
	}
	return amount, class, nil
}

// resolveUser picks the purchase target. The metadata user id is
// authoritative; deliveries without it fall back to the session's Stripe
// customer link.
func (s *Service) resolveUser(ctx context.Context, session checkoutSession) (int64, error) {
	if raw := firstOf(session.Metadata, "user_id", "userId"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return 0, fmt.Errorf("%w: user_id %q", ErrInvalidMetadata, raw)
		}
		if _, err := s.users.GetByID(ctx, userID); err != nil {
			return 0, fmt.Errorf("%w: user %d", ErrUnknownUser, userID)
		}
		return userID, nil
	}

	if session.Customer != "" {
		user, err := s.users.ByStripeCustomer(ctx, session.Customer)
		if err != nil {
			return 0, fmt.Errorf("%w: stripe customer %s", ErrUnknownUser, session.Customer)
		}
		return user.ID, nil
	}

	return 0, fmt.Errorf("%w: user_id", ErrMissingMetadata)
}

func firstOf(md map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := md[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
