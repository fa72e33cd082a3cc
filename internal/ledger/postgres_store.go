package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// Atomicity comes from a SELECT ... FOR UPDATE on the account's ledger row:
// every read-modify-write for one account serializes on that row lock while
// unrelated accounts proceed in parallel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed slot ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the slot_ledgers, booklets and seasonal_terms tables if
// they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS slot_ledgers (
			account_id        VARCHAR(40) PRIMARY KEY,
			annual_capacity   INTEGER NOT NULL DEFAULT 0,
			annual_used       INTEGER NOT NULL DEFAULT 0,
			seasonal_capacity INTEGER NOT NULL DEFAULT 0,
			seasonal_used     INTEGER NOT NULL DEFAULT 0,
			trial_granted     BOOLEAN NOT NULL DEFAULT TRUE,
			trial_used        INTEGER NOT NULL DEFAULT 0,
			version           BIGINT NOT NULL DEFAULT 1,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT slot_ledgers_annual_within_capacity CHECK (annual_used >= 0 AND annual_used <= annual_capacity),
			CONSTRAINT slot_ledgers_seasonal_within_capacity CHECK (seasonal_used >= 0 AND seasonal_used <= seasonal_capacity),
			CONSTRAINT slot_ledgers_trial_within_grant CHECK (trial_used >= 0 AND trial_used <= (CASE WHEN trial_granted THEN 1 ELSE 0 END))
		);
		CREATE TABLE IF NOT EXISTS booklets (
			id               VARCHAR(40) PRIMARY KEY,
			account_id       VARCHAR(40) NOT NULL REFERENCES slot_ledgers(account_id),
			kind             VARCHAR(10) NOT NULL,
			name             TEXT NOT NULL DEFAULT '',
			seasonal_ends_at TIMESTAMPTZ,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deactivated_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_booklets_account ON booklets(account_id);
		CREATE INDEX IF NOT EXISTS idx_booklets_seasonal_due ON booklets(seasonal_ends_at) WHERE active AND kind = 'SEASONAL';
		CREATE TABLE IF NOT EXISTS seasonal_terms (
			id         BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(40) NOT NULL REFERENCES slot_ledgers(account_id),
			months     INTEGER NOT NULL CHECK (months > 0),
			booklet_id VARCHAR(40) REFERENCES booklets(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_seasonal_terms_free ON seasonal_terms(account_id) WHERE booklet_id IS NULL;
		CREATE INDEX IF NOT EXISTS idx_seasonal_terms_booklet ON seasonal_terms(booklet_id) WHERE booklet_id IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) CreateLedger(ctx context.Context, accountID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO slot_ledgers (account_id, trial_granted) VALUES ($1, TRUE)
	`, accountID)
	if isUniqueViolation(err) {
		return ErrLedgerExists
	}
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetLedger(ctx context.Context, accountID string) (*SlotLedger, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT account_id, annual_capacity, annual_used, seasonal_capacity, seasonal_used,
		       trial_granted, trial_used, version, created_at, updated_at
		FROM slot_ledgers WHERE account_id = $1
	`, accountID)
	return scanLedger(row)
}

func (p *PostgresStore) GrantCapacity(ctx context.Context, accountID string, kind Kind, amount, seasonalMonths int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.GrantCapacityTx(ctx, tx, accountID, kind, amount, seasonalMonths); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapConflict(fmt.Errorf("commit grant: %w", err))
	}
	return nil
}

// GrantCapacityTx is GrantCapacity inside a caller-owned transaction. The
// checkout commit uses it to flip the purchase status and grant capacity
// atomically.
func (p *PostgresStore) GrantCapacityTx(ctx context.Context, tx *sql.Tx, accountID string, kind Kind, amount, seasonalMonths int) error {
	var query string
	args := []any{accountID, amount}
	switch kind {
	case KindAnnual:
		query = `UPDATE slot_ledgers
			SET annual_capacity = annual_capacity + $2, version = version + 1, updated_at = NOW()
			WHERE account_id = $1`
	case KindSeasonal:
		query = `UPDATE slot_ledgers
			SET seasonal_capacity = seasonal_capacity + $2, version = version + 1, updated_at = NOW()
			WHERE account_id = $1`
	case KindTrial:
		query = `UPDATE slot_ledgers
			SET trial_granted = TRUE, version = version + 1, updated_at = NOW()
			WHERE account_id = $1`
		args = args[:1]
	default:
		return ErrUnknownKind
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapConflict(fmt.Errorf("grant capacity: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLedgerNotFound
	}

	if kind == KindSeasonal {
		if seasonalMonths < 1 {
			seasonalMonths = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seasonal_terms (account_id, months)
			SELECT $1, $2 FROM generate_series(1, $3)
		`, accountID, seasonalMonths, amount); err != nil {
			return mapConflict(fmt.Errorf("record seasonal terms: %w", err))
		}
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, accountID string, kind Kind, b *Booklet) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock: concurrent reserves for this account queue here.
	row := tx.QueryRowContext(ctx, `
		SELECT account_id, annual_capacity, annual_used, seasonal_capacity, seasonal_used,
		       trial_granted, trial_used, version, created_at, updated_at
		FROM slot_ledgers WHERE account_id = $1
		FOR UPDATE
	`, accountID)
	l, err := scanLedger(row)
	if err != nil {
		return err
	}
	if l.Remaining(kind) < 1 {
		return &InsufficientSlotsError{Kind: kind}
	}

	var update string
	switch kind {
	case KindAnnual:
		update = `UPDATE slot_ledgers SET annual_used = annual_used + 1, version = version + 1, updated_at = NOW() WHERE account_id = $1`
	case KindSeasonal:
		update = `UPDATE slot_ledgers SET seasonal_used = seasonal_used + 1, version = version + 1, updated_at = NOW() WHERE account_id = $1`
	case KindTrial:
		update = `UPDATE slot_ledgers SET trial_used = trial_used + 1, version = version + 1, updated_at = NOW() WHERE account_id = $1`
	}
	if _, err := tx.ExecContext(ctx, update, accountID); err != nil {
		return mapConflict(fmt.Errorf("increment used: %w", err))
	}

	now := time.Now()
	var termID int64
	if kind == KindSeasonal {
		// Oldest free term first. The ledger row lock already serializes
		// reserves for this account.
		months := 1
		err := tx.QueryRowContext(ctx, `
			SELECT id, months FROM seasonal_terms
			WHERE account_id = $1 AND booklet_id IS NULL
			ORDER BY id LIMIT 1
		`, accountID).Scan(&termID, &months)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("take seasonal term: %w", err)
		}
		// No rows only for ledgers granted before term tracking; those
		// fall back to the shortest season.
		if b.SeasonalEndsAt == nil {
			ends := now.AddDate(0, months, 0)
			b.SeasonalEndsAt = &ends
		}
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.AccountID = accountID
	b.Kind = kind
	b.Active = true
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO booklets (id, account_id, kind, name, seasonal_ends_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
	`, b.ID, b.AccountID, string(b.Kind), b.Name, b.SeasonalEndsAt, b.CreatedAt); err != nil {
		return fmt.Errorf("insert booklet: %w", err)
	}

	if termID != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE seasonal_terms SET booklet_id = $1 WHERE id = $2
		`, b.ID, termID); err != nil {
			return fmt.Errorf("bind seasonal term: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapConflict(fmt.Errorf("commit reserve: %w", err))
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, bookletID string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	released, err := p.releaseTx(ctx, tx, bookletID, time.Now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, mapConflict(fmt.Errorf("commit release: %w", err))
	}
	return released, nil
}

// releaseTx deactivates one booklet and returns its slot. The UPDATE with the
// active=TRUE guard makes release idempotent: a second call matches no row.
func (p *PostgresStore) releaseTx(ctx context.Context, tx *sql.Tx, bookletID string, now time.Time) (bool, error) {
	var accountID string
	var kind string
	var active bool
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, kind, active FROM booklets WHERE id = $1
		FOR UPDATE
	`, bookletID).Scan(&accountID, &kind, &active)
	if err == sql.ErrNoRows {
		return false, ErrBookletNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock booklet: %w", err)
	}
	if !active {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE booklets SET active = FALSE, deactivated_at = $2 WHERE id = $1 AND active
	`, bookletID, now); err != nil {
		return false, fmt.Errorf("deactivate booklet: %w", err)
	}

	var update string
	switch Kind(kind) {
	case KindAnnual:
		update = `UPDATE slot_ledgers SET annual_used = GREATEST(annual_used - 1, 0), version = version + 1, updated_at = NOW() WHERE account_id = $1`
	case KindSeasonal:
		update = `UPDATE slot_ledgers SET seasonal_used = GREATEST(seasonal_used - 1, 0), version = version + 1, updated_at = NOW() WHERE account_id = $1`
	case KindTrial:
		update = `UPDATE slot_ledgers SET trial_used = GREATEST(trial_used - 1, 0), version = version + 1, updated_at = NOW() WHERE account_id = $1`
	default:
		return false, ErrUnknownKind
	}
	if _, err := tx.ExecContext(ctx, update, accountID); err != nil {
		return false, mapConflict(fmt.Errorf("decrement used: %w", err))
	}

	if Kind(kind) == KindSeasonal {
		// The term returns to the pool with the slot.
		if _, err := tx.ExecContext(ctx, `
			UPDATE seasonal_terms SET booklet_id = NULL WHERE booklet_id = $1
		`, bookletID); err != nil {
			return false, fmt.Errorf("free seasonal term: %w", err)
		}
	}
	return true, nil
}

func (p *PostgresStore) GetBooklet(ctx context.Context, bookletID string) (*Booklet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, kind, name, seasonal_ends_at, active, created_at, deactivated_at
		FROM booklets WHERE id = $1
	`, bookletID)
	return scanBooklet(row)
}

func (p *PostgresStore) ListBooklets(ctx context.Context, accountID string) ([]*Booklet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, kind, name, seasonal_ends_at, active, created_at, deactivated_at
		FROM booklets WHERE account_id = $1
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list booklets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Booklet
	for rows.Next() {
		b, err := scanBooklet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ExpireSeasonal(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := p.listDueSeasonal(ctx, "", now, limit)
	if err != nil {
		return 0, err
	}
	return p.expireBooklets(ctx, due)
}

func (p *PostgresStore) ExpireSeasonalFor(ctx context.Context, accountID string, now time.Time) (int, error) {
	due, err := p.listDueSeasonal(ctx, accountID, now, 100)
	if err != nil {
		return 0, err
	}
	return p.expireBooklets(ctx, due)
}

func (p *PostgresStore) listDueSeasonal(ctx context.Context, accountID string, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM booklets
		WHERE active AND kind = 'SEASONAL' AND seasonal_ends_at < $1
		ORDER BY seasonal_ends_at ASC
		LIMIT $2
	`
	args := []any{now, limit}
	if accountID != "" {
		query = `
			SELECT id FROM booklets
			WHERE active AND kind = 'SEASONAL' AND seasonal_ends_at < $1 AND account_id = $3
			ORDER BY seasonal_ends_at ASC
			LIMIT $2
		`
		args = append(args, accountID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due seasonal booklets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		due = append(due, id)
	}
	return due, rows.Err()
}

// expireBooklets releases each due booklet in its own short transaction so
// the sweep holds no lock across accounts.
func (p *PostgresStore) expireBooklets(ctx context.Context, due []string) (int, error) {
	expired := 0
	for _, id := range due {
		released, err := p.Release(ctx, id)
		if err != nil {
			continue
		}
		if released {
			expired++
		}
	}
	return expired, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(row scanner) (*SlotLedger, error) {
	var l SlotLedger
	err := row.Scan(&l.AccountID, &l.AnnualCapacity, &l.AnnualUsed,
		&l.SeasonalCapacity, &l.SeasonalUsed,
		&l.TrialGranted, &l.TrialUsed, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return &l, nil
}

func scanBooklet(row scanner) (*Booklet, error) {
	var b Booklet
	var kind string
	var endsAt sql.NullTime
	var deactivatedAt sql.NullTime
	err := row.Scan(&b.ID, &b.AccountID, &kind, &b.Name, &endsAt, &b.Active, &b.CreatedAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBookletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan booklet: %w", err)
	}
	b.Kind = Kind(kind)
	if endsAt.Valid {
		t := endsAt.Time
		b.SeasonalEndsAt = &t
	}
	if deactivatedAt.Valid {
		t := deactivatedAt.Time
		b.DeactivatedAt = &t
	}
	return &b, nil
}

// mapConflict translates serialization/deadlock failures into ErrConflict so
// callers can retry.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
