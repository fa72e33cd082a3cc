package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the accounts table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id            VARCHAR(40) PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			country       TEXT,
			state         VARCHAR(20) NOT NULL DEFAULT 'TRIAL_ACTIVE',
			trial_ends_at TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_trial_due ON accounts(trial_ends_at) WHERE state = 'TRIAL_ACTIVE';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, country, state, trial_ends_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, a.ID, strings.ToLower(a.Email), a.Country, string(a.State), a.TrialEndsAt, a.CreatedAt, a.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, email, country, state, trial_ends_at, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, email, country, state, trial_ends_at, created_at, updated_at
		FROM accounts WHERE email = $1
	`, strings.ToLower(email))
	return scanAccount(row)
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET country = NULLIF($2, ''), state = $3, trial_ends_at = $4, updated_at = NOW()
		WHERE id = $1
	`, a.ID, a.Country, string(a.State), a.TrialEndsAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) ListTrialDue(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, email, country, state, trial_ends_at, created_at, updated_at
		FROM accounts
		WHERE state = 'TRIAL_ACTIVE' AND trial_ends_at < $1
		ORDER BY trial_ends_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due trials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var country sql.NullString
	var state string
	err := row.Scan(&a.ID, &a.Email, &country, &state, &a.TrialEndsAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if country.Valid {
		a.Country = country.String
	}
	a.State = State(state)
	return &a, nil
}
