package reconciliation

import (
	"context"
	"database/sql"

	"github.com/lbruckner/creditmeter/internal/ledger"
)

// PostgresStore persists failed refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dead-letter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, fr *FailedRefund) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO failed_refunds (user_id, credit_class, amount, deduction_id, reason, attempts, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, NOW())
		RETURNING id, created_at
	`, fr.UserID, string(fr.Class), fr.Amount, fr.DeductionID, fr.Reason).Scan(&fr.ID, &fr.CreatedAt)
}

const selectFailedRefund = `
	SELECT id, user_id, credit_class, amount, deduction_id, reason, attempts, resolved, created_at, resolved_at
	FROM failed_refunds
`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*FailedRefund, error) {
	return scanFailedRefund(p.db.QueryRowContext(ctx, selectFailedRefund+`WHERE id = $1`, id))
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*FailedRefund, error) {
	rows, err := p.db.QueryContext(ctx, selectFailedRefund+`
		WHERE resolved = FALSE ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*FailedRefund
	for rows.Next() {
		fr := &FailedRefund{}
		var class string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&fr.ID, &fr.UserID, &class, &fr.Amount, &fr.DeductionID,
			&fr.Reason, &fr.Attempts, &fr.Resolved, &fr.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		fr.Class = ledger.Class(class)
		if resolvedAt.Valid {
			fr.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkResolved(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE failed_refunds SET resolved = TRUE, resolved_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementAttempts(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE failed_refunds SET attempts = attempts + 1 WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM failed_refunds WHERE resolved = FALSE
	`).Scan(&n)
	return n, err
}

func scanFailedRefund(row *sql.Row) (*FailedRefund, error) {
	fr := &FailedRefund{}
	var class string
	var resolvedAt sql.NullTime
	err := row.Scan(&fr.ID, &fr.UserID, &class, &fr.Amount, &fr.DeductionID,
		&fr.Reason, &fr.Attempts, &fr.Resolved, &fr.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fr.Class = ledger.Class(class)
	if resolvedAt.Valid {
		fr.ResolvedAt = &resolvedAt.Time
	}
	return fr, nil
}
