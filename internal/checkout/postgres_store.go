package checkout

import (
	"context"
	"database/sql"
	"time"

	"github.com/jferrand/guestfolio/internal/ledger"
	"github.com/jferrand/guestfolio/internal/money"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists pending purchases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pending purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pending_purchases table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_purchases (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			quantity INT NOT NULL,
			units INT NOT NULL DEFAULT 0,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_session_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			committed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_account ON pending_purchases(account_id);
		CREATE INDEX IF NOT EXISTS idx_purchases_awaiting ON pending_purchases(created_at)
			WHERE status = 'AWAITING_PAYMENT';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, pp *PendingPurchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_purchases (
			id, account_id, plan_id, kind, quantity, units,
			amount, currency, status, provider_session_id,
			created_at, updated_at, committed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pp.ID, pp.AccountID, pp.PlanID, string(pp.Kind), pp.Quantity, pp.Units,
		int64(pp.Amount), pp.Currency, string(pp.Status), nullString(pp.ProviderSessionID),
		pp.CreatedAt, pp.UpdatedAt, nullTime(pp.CommittedAt),
	)
	return err
}

const purchaseColumns = `id, account_id, plan_id, kind, quantity, units,
		       amount, currency, status, provider_session_id,
		       created_at, updated_at, committed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*PendingPurchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM pending_purchases WHERE id = $1`, id)
	pp, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	return pp, err
}

func (p *PostgresStore) SetSession(ctx context.Context, id, providerSessionID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_purchases
		SET provider_session_id = $1, updated_at = NOW()
		WHERE id = $2`, providerSessionID, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

// Commit flips the purchase to COMMITTED and runs the grant inside one
// transaction. The conditional UPDATE is the idempotency barrier: a
// redelivered webhook sees zero rows affected and commits nothing twice.
func (p *PostgresStore) Commit(ctx context.Context, id string, grant GrantFunc) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT true FROM pending_purchases WHERE id = $1 FOR UPDATE`, id,
	).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrPurchaseNotFound
		}
		return false, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE pending_purchases
		SET status = $1, committed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status != $1`, string(StatusCommitted), id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if err := grant(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) MarkAbandoned(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_purchases
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(StatusAbandoned), id, string(StatusAwaitingPayment))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingPurchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM pending_purchases
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(StatusAwaitingPayment), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var purchases []*PendingPurchase
	for rows.Next() {
		pp, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, pp)
	}
	return purchases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*PendingPurchase, error) {
	var (
		pp        PendingPurchase
		kind      string
		status    string
		amount    int64
		sessionID sql.NullString
		committed sql.NullTime
	)
	err := row.Scan(
		&pp.ID, &pp.AccountID, &pp.PlanID, &kind, &pp.Quantity, &pp.Units,
		&amount, &pp.Currency, &status, &sessionID,
		&pp.CreatedAt, &pp.UpdatedAt, &committed,
	)
	if err != nil {
		return nil, err
	}
	pp.Kind = ledger.Kind(kind)
	pp.Status = Status(status)
	pp.Amount = money.Cents(amount)
	if sessionID.Valid {
		pp.ProviderSessionID = sessionID.String
	}
	if committed.Valid {
		t := committed.Time
		pp.CommittedAt = &t
	}
	return &pp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
