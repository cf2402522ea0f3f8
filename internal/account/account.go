// Package account provides API token authentication for creditmeter.
//
// Authentication model:
// - Paid endpoints (charge, tts, ai): Require a bearer token
// - Balance and history reads: Require a bearer token
// - Tokens are issued out of band and stored hashed; the raw token is never persisted
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lbruckner/creditmeter/internal/idgen"
)

// Errors
var (
	ErrNoToken      = errors.New("account: bearer token required")
	ErrInvalidToken = errors.New("account: invalid or revoked token")
	ErrNotFound     = errors.New("account: user not found")
	ErrDuplicate    = errors.New("account: user already exists")
)

// User is an authenticated caller of the paid API.
type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	TokenHash        string    `json:"-"` // SHA256 hash of the raw token
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	Revoked          bool      `json:"revoked"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists users and their token hashes.
type Store interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByTokenHash(ctx context.Context, hash string) (*User, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*User, error)
	Update(ctx context.Context, user *User) error
}

// Manager handles token issuance and request authentication.
type Manager struct {
	store Store
}

// NewManager creates a new account manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Issue creates a user with a fresh API token.
// Returns the raw token (shown once) and the stored record.
func (m *Manager) Issue(ctx context.Context, email, stripeCustomerID string) (rawToken string, user *User, err error) {
	rawToken = "ct_" + idgen.Hex(32)

	user = &User{
		Email:            strings.ToLower(email),
		TokenHash:        hashToken(rawToken),
		StripeCustomerID: stripeCustomerID,
		CreatedAt:        time.Now(),
	}
	if err := m.store.Create(ctx, user); err != nil {
		return "", nil, err
	}
	return rawToken, user, nil
}

// Authenticate resolves a bearer token to its user.
func (m *Manager) Authenticate(ctx context.Context, rawToken string) (*User, error) {
	if rawToken == "" {
		return nil, ErrNoToken
	}

	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)

	if !strings.HasPrefix(rawToken, "ct_") {
		return nil, ErrInvalidToken
	}

	user, err := m.store.GetByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.Revoked {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// Revoke invalidates a user's token.
func (m *Manager) Revoke(ctx context.Context, userID int64) error {
	user, err := m.store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Revoked = true
	return m.store.Update(ctx, user)
}

// GetByID looks up a user by primary id.
func (m *Manager) GetByID(ctx context.Context, id int64) (*User, error) {
	return m.store.GetByID(ctx, id)
}

// ByStripeCustomer resolves a Stripe customer id to the local user.
func (m *Manager) ByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	return m.store.GetByStripeCustomer(ctx, customerID)
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]*User
	nextID int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User)}
}

func (s *MemoryStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TokenHash == user.TokenHash || u.Email == user.Email {
			return ErrDuplicate
		}
		if user.StripeCustomerID != "" && u.StripeCustomerID == user.StripeCustomerID {
			return ErrDuplicate
		}
	}
	s.nextID++
	user.ID = s.nextID
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetByTokenHash(ctx context.Context, hash string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.TokenHash == hash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.StripeCustomerID != "" && u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return ErrNotFound
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}
