package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance mutations run as a single transaction: a guarded UPDATE on the
// accounts row plus the transactions insert. The CHECK (balance >= 0)
// constraint backstops the guard, and the UNIQUE indexes on reference_tx_id
// and stripe_event_id make idempotency-key races lose cleanly with a
// serialization-safe 23505 instead of a double spend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store. The schema is
// owned by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, userID int64, class Class, initial int64) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	if initial < 0 {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, credit_class, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, credit_class) DO NOTHING
	`, userID, string(class), initial)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID int64, class Class) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1 AND credit_class = $2
	`, userID, string(class)).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (p *PostgresStore) AdjustBalance(ctx context.Context, userID int64, class Class, delta int64) (int64, error) {
	return adjustBalanceTx(ctx, p.db, userID, class, delta)
}

// execer lets adjustBalanceTx run against either the pool or an open tx.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// adjustBalanceTx applies delta relative to the stored value in one guarded
// UPDATE, never a blind overwrite, so concurrent adjustments compose.
func adjustBalanceTx(ctx context.Context, q execer, userID int64, class Class, delta int64) (int64, error) {
	var newBalance int64
	err := q.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $3, updated_at = NOW()
		WHERE user_id = $1 AND credit_class = $2 AND balance + $3 >= 0
		RETURNING balance
	`, userID, string(class), delta).Scan(&newBalance)
	if err == sql.ErrNoRows {
		// Either the row is missing or the guard rejected an overdraw.
		var current int64
		err2 := q.QueryRowContext(ctx, `
			SELECT balance FROM accounts WHERE user_id = $1 AND credit_class = $2
		`, userID, string(class)).Scan(&current)
		if err2 == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		if err2 != nil {
			return 0, err2
		}
		return current, &InsufficientFundsError{Balance: current}
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (p *PostgresStore) Deduct(ctx context.Context, userID int64, class Class, amount int64, referenceTxID string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	remaining, err := adjustBalanceTx(ctx, tx, userID, class, -amount)
	if err != nil {
		return nil, remaining, err
	}

	rec := &Transaction{
		UserID:        userID,
		Type:          DeductionType(class),
		Amount:        amount,
		Status:        StatusSuccess,
		ReferenceTxID: referenceTxID,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return nil, 0, ErrDuplicateReference
		}
		return nil, 0, fmt.Errorf("record deduction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return rec, remaining, nil
}

func (p *PostgresStore) Refund(ctx context.Context, userID int64, class Class, amount int64, reference string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	newBalance, err := adjustBalanceTx(ctx, tx, userID, class, amount)
	if err != nil {
		return nil, 0, err
	}

	// The reference lands in reference_tx_id (UNIQUE), so a replayed refund
	// trips the constraint and rolls back before any credit is applied twice.
	rec := &Transaction{
		UserID:        userID,
		Type:          TypeRefund,
		Amount:        amount,
		Status:        StatusSuccess,
		ReferenceTxID: reference,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return nil, 0, ErrDuplicateReference
		}
		return nil, 0, fmt.Errorf("record refund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return rec, newBalance, nil
}

func (p *PostgresStore) ApplyPurchase(ctx context.Context, userID int64, class Class, amount int64, stripeEventID string) (*Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	if !class.Valid() {
		return nil, 0, ErrInvalidClass
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	// Insert the log row first: a replayed event trips the UNIQUE index
	// before any balance is touched.
	rec := &Transaction{
		UserID:        userID,
		Type:          PurchaseType(class),
		Amount:        amount,
		Status:        StatusSuccess,
		StripeEventID: stripeEventID,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return nil, 0, ErrDuplicateEvent
		}
		return nil, 0, fmt.Errorf("record purchase: %w", err)
	}

	// Upsert so a first-ever purchase creates the class bucket.
	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, credit_class, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, credit_class) DO UPDATE SET
			balance    = accounts.balance + $3,
			updated_at = NOW()
		RETURNING balance
	`, userID, string(class), amount).Scan(&newBalance)
	if err != nil {
		return nil, 0, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return rec, newBalance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, rec *Transaction) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO transactions (user_id, type, amount, status, reference_tx_id, stripe_event_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
		RETURNING id, created_at
	`, rec.UserID, string(rec.Type), rec.Amount, string(rec.Status),
		rec.ReferenceTxID, rec.StripeEventID).Scan(&rec.ID, &rec.CreatedAt)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) FindByReference(ctx context.Context, referenceTxID string) (*Transaction, error) {
	return p.findBy(ctx, "reference_tx_id", referenceTxID)
}

func (p *PostgresStore) FindByStripeEvent(ctx context.Context, stripeEventID string) (*Transaction, error) {
	return p.findBy(ctx, "stripe_event_id", stripeEventID)
}

func (p *PostgresStore) findBy(ctx context.Context, column, value string) (*Transaction, error) {
	// column is one of two compile-time constants, never user input.
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, status, reference_tx_id, stripe_event_id, created_at
		FROM transactions WHERE `+column+` = $1
	`, value)
	return scanTransaction(row)
}

func (p *PostgresStore) History(ctx context.Context, userID int64, beforeID int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, status, reference_tx_id, stripe_event_id, created_at
		FROM transactions
		WHERE user_id = $1 AND ($2::bigint = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, userID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		rec, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, rec)
	}
	return txs, rows.Err()
}

func scanTransaction(row *sql.Row) (*Transaction, error) {
	rec := &Transaction{}
	var typ, status string
	var ref, event sql.NullString
	err := row.Scan(&rec.ID, &rec.UserID, &typ, &rec.Amount, &status, &ref, &event, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Type = Type(typ)
	rec.Status = Status(status)
	rec.ReferenceTxID = ref.String
	rec.StripeEventID = event.String
	return rec, nil
}

func scanTransactionRows(rows *sql.Rows) (*Transaction, error) {
	rec := &Transaction{}
	var typ, status string
	var ref, event sql.NullString
	if err := rows.Scan(&rec.ID, &rec.UserID, &typ, &rec.Amount, &status, &ref, &event, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Type = Type(typ)
	rec.Status = Status(status)
	rec.ReferenceTxID = ref.String
	rec.StripeEventID = event.String
	return rec, nil
}
