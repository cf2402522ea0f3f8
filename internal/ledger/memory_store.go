package ledger

import (
	"context"
	"sync"
	"time"
)

type accountKey struct {
	userID int64
	class  Class
}

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex serializes all mutations, giving the same "one atomic
// operation per balance change" behavior the Postgres store gets from
// transactions and uniqueness constraints.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[accountKey]*Balance
	txs      []*Transaction
	byRef    map[string]*Transaction
	byEvent  map[string]*Transaction
	nextID   int64
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[accountKey]*Balance),
		byRef:    make(map[string]*Transaction),
		byEvent:  make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, userID int64, class Class, initial int64) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	if initial < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey{userID, class}
	if _, ok := m.balances[key]; !ok {
		m.balances[key] = &Balance{UserID: userID, Class: class, Balance: initial, UpdatedAt: time.Now()}
	}
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64, class Class) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[accountKey{userID, class}]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return bal.Balance, nil
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, userID int64, class Class, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(userID, class, delta)
}

// adjustLocked applies delta to the stored balance. Caller holds mu.
func (m *MemoryStore) adjustLocked(userID int64, class Class, delta int64) (int64, error) {
	bal, ok := m.balances[accountKey{userID, class}]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if bal.Balance+delta < 0 {
		return bal.Balance, &InsufficientFundsError{Balance: bal.Balance}
	}
	bal.Balance += delta
	bal.UpdatedAt = time.Now()
	return bal.Balance, nil
}

func (m *MemoryStore) Deduct(ctx context.Context, userID int64, class Class, amount int64, referenceTxID string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if referenceTxID != "" {
		if _, ok := m.byRef[referenceTxID]; ok {
			return nil, 0, ErrDuplicateReference
		}
	}

	remaining, err := m.adjustLocked(userID, class, -amount)
	if err != nil {
		return nil, 0, err
	}

	tx := m.appendLocked(&Transaction{
		UserID:        userID,
		Type:          DeductionType(class),
		Amount:        amount,
		Status:        StatusSuccess,
		ReferenceTxID: referenceTxID,
	})
	return tx, remaining, nil
}

func (m *MemoryStore) Refund(ctx context.Context, userID int64, class Class, amount int64, reference string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if _, ok := m.byRef[reference]; ok {
			return nil, 0, ErrDuplicateReference
		}
	}

	newBalance, err := m.adjustLocked(userID, class, amount)
	if err != nil {
		return nil, 0, err
	}

	tx := m.appendLocked(&Transaction{
		UserID:        userID,
		Type:          TypeRefund,
		Amount:        amount,
		Status:        StatusSuccess,
		ReferenceTxID: reference,
	})
	return tx, newBalance, nil
}

func (m *MemoryStore) ApplyPurchase(ctx context.Context, userID int64, class Class, amount int64, stripeEventID string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	if !class.Valid() {
		return nil, 0, ErrInvalidClass
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEvent[stripeEventID]; ok {
		return nil, 0, ErrDuplicateEvent
	}

	// Purchases may land before any charge touched the class bucket.
	key := accountKey{userID, class}
	if _, ok := m.balances[key]; !ok {
		m.balances[key] = &Balance{UserID: userID, Class: class, UpdatedAt: time.Now()}
	}

	newBalance, err := m.adjustLocked(userID, class, amount)
	if err != nil {
		return nil, 0, err
	}

	tx := m.appendLocked(&Transaction{
		UserID:        userID,
		Type:          PurchaseType(class),
		Amount:        amount,
		Status:        StatusSuccess,
		StripeEventID: stripeEventID,
	})
	return tx, newBalance, nil
}

// appendLocked assigns an id and records the transaction. Caller holds mu.
func (m *MemoryStore) appendLocked(tx *Transaction) *Transaction {
	m.nextID++
	tx.ID = m.nextID
	tx.CreatedAt = time.Now()
	m.txs = append(m.txs, tx)
	if tx.ReferenceTxID != "" {
		m.byRef[tx.ReferenceTxID] = tx
	}
	if tx.StripeEventID != "" {
		m.byEvent[tx.StripeEventID] = tx
	}
	return tx
}

func (m *MemoryStore) FindByReference(ctx context.Context, referenceTxID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byRef[referenceTxID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) FindByStripeEvent(ctx context.Context, stripeEventID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byEvent[stripeEventID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, beforeID int64, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txs[i].UserID != userID {
			continue
		}
		if beforeID > 0 && m.txs[i].ID >= beforeID {
			continue
		}
		cp := *m.txs[i]
		result = append(result, &cp)
	}
	return result, nil
}
