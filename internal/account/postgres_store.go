package account

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, user *User) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (email, token_hash, stripe_customer_id, revoked, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NOW())
		RETURNING id, created_at
	`, user.Email, user.TokenHash, user.StripeCustomerID, user.Revoked).Scan(&user.ID, &user.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id int64) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectUser+`WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTokenHash(ctx context.Context, hash string) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectUser+`WHERE token_hash = $1`, hash))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectUser+`WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Update(ctx context.Context, user *User) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET stripe_customer_id = NULLIF($1, ''), revoked = $2 WHERE id = $3
	`, user.StripeCustomerID, user.Revoked, user.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectUser = `
	SELECT id, email, token_hash, stripe_customer_id, revoked, created_at
	FROM users
`

func (p *PostgresStore) scanOne(row *sql.Row) (*User, error) {
	user := &User{}
	var customerID sql.NullString
	err := row.Scan(&user.ID, &user.Email, &user.TokenHash, &customerID, &user.Revoked, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.StripeCustomerID = customerID.String
	return user, nil
}
