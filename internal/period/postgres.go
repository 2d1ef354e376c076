package period

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// PostgresStore persists periods and locks in PostgreSQL. Lock overlap
// exclusion relies on the partial unique constraint installed by Schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Schema is the DDL for the period and lock tables.
const Schema = `
CREATE TABLE IF NOT EXISTS accounting_periods (
    id            UUID PRIMARY KEY,
    tenant        TEXT NOT NULL,
    period_type   TEXT NOT NULL,
    period_start  TIMESTAMPTZ NOT NULL,
    period_end    TIMESTAMPTZ NOT NULL,
    status        TEXT NOT NULL DEFAULT 'OPEN',
    closed_by     TEXT,
    closed_at     TIMESTAMPTZ,
    closure_notes TEXT,
    UNIQUE (tenant, period_type, period_start)
);

CREATE TABLE IF NOT EXISTS ledger_locks (
    id          UUID PRIMARY KEY,
    tenant      TEXT NOT NULL,
    lock_type   TEXT NOT NULL,
    lock_start  TIMESTAMPTZ NOT NULL,
    lock_end    TIMESTAMPTZ NOT NULL,
    status      TEXT NOT NULL DEFAULT 'ACTIVE',
    reason      TEXT,
    reference   TEXT,
    locked_by   TEXT NOT NULL,
    locked_at   TIMESTAMPTZ NOT NULL,
    released_by TEXT,
    released_at TIMESTAMPTZ,
    notes       TEXT
);

-- One ACTIVE lock of each type per overlapping range.
CREATE EXTENSION IF NOT EXISTS btree_gist;
ALTER TABLE ledger_locks DROP CONSTRAINT IF EXISTS ledger_locks_no_overlap;
ALTER TABLE ledger_locks ADD CONSTRAINT ledger_locks_no_overlap
    EXCLUDE USING gist (
        tenant WITH =,
        lock_type WITH =,
        tstzrange(lock_start, lock_end) WITH &&
    ) WHERE (status = 'ACTIVE');
`

// FindPeriod implements Store.
func (s *PostgresStore) FindPeriod(ctx context.Context, tenant string, typ Type, ts time.Time) (*Period, error) {
	query, args, err := psql.Select(periodColumns...).
		From("accounting_periods").
		Where(sq.Eq{"tenant": tenant, "period_type": string(typ)}).
		Where(sq.LtOrEq{"period_start": ts}).
		Where(sq.Gt{"period_end": ts}).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPeriod(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreatePeriod implements Store.
func (s *PostgresStore) CreatePeriod(ctx context.Context, p Period) error {
	query, args, err := psql.Insert("accounting_periods").
		Columns("id", "tenant", "period_type", "period_start", "period_end", "status").
		Values(p.ID, p.Tenant, string(p.Type), p.Start, p.End, string(p.Status)).
		Suffix("ON CONFLICT (tenant, period_type, period_start) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// UpdatePeriod implements Store.
func (s *PostgresStore) UpdatePeriod(ctx context.Context, p Period) error {
	query, args, err := psql.Update("accounting_periods").
		Set("status", string(p.Status)).
		Set("closed_by", nullable(p.ClosedBy)).
		Set("closed_at", nullableTime(p.ClosedAt)).
		Set("closure_notes", nullable(p.ClosureNotes)).
		Where(sq.Eq{"id": p.ID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrValidation("period " + p.ID + " not found")
	}
	return nil
}

// GetPeriod implements Store.
func (s *PostgresStore) GetPeriod(ctx context.Context, id string) (*Period, error) {
	query, args, err := psql.Select(periodColumns...).
		From("accounting_periods").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPeriod(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreateLock implements Store. Overlap violations from the exclusion
// constraint surface as ledger-locked errors.
func (s *PostgresStore) CreateLock(ctx context.Context, l Lock) error {
	query, args, err := psql.Insert("ledger_locks").
		Columns("id", "tenant", "lock_type", "lock_start", "lock_end", "status",
			"reason", "reference", "locked_by", "locked_at").
		Values(l.ID, l.Tenant, string(l.Type), l.Start, l.End, string(l.Status),
			l.Reason, l.Reference, l.LockedBy, l.LockedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isExclusionViolation(err) {
			return errs.ErrLedgerLocked("", string(l.Type))
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// UpdateLock implements Store.
func (s *PostgresStore) UpdateLock(ctx context.Context, l Lock) error {
	query, args, err := psql.Update("ledger_locks").
		Set("status", string(l.Status)).
		Set("released_by", nullable(l.ReleasedBy)).
		Set("released_at", nullableTime(l.ReleasedAt)).
		Set("notes", nullable(l.Notes)).
		Where(sq.Eq{"id": l.ID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrValidation("lock " + l.ID + " not found")
	}
	return nil
}

// GetLock implements Store.
func (s *PostgresStore) GetLock(ctx context.Context, id string) (*Lock, error) {
	query, args, err := psql.Select(lockColumns...).
		From("ledger_locks").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	l, err := scanLock(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// ActiveLocks implements Store.
func (s *PostgresStore) ActiveLocks(ctx context.Context, tenant string, ts time.Time) ([]Lock, error) {
	query, args, err := psql.Select(lockColumns...).
		From("ledger_locks").
		Where(sq.Eq{"tenant": tenant, "status": string(LockActive)}).
		Where(sq.LtOrEq{"lock_start": ts}).
		Where(sq.Gt{"lock_end": ts}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

var periodColumns = []string{
	"id", "tenant", "period_type", "period_start", "period_end",
	"status", "closed_by", "closed_at", "closure_notes",
}

var lockColumns = []string{
	"id", "tenant", "lock_type", "lock_start", "lock_end", "status",
	"reason", "reference", "locked_by", "locked_at", "released_by", "released_at", "notes",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (*Period, error) {
	var p Period
	var typ, status string
	var closedBy, notes *string
	var closedAt *time.Time
	if err := row.Scan(&p.ID, &p.Tenant, &typ, &p.Start, &p.End, &status, &closedBy, &closedAt, &notes); err != nil {
		return nil, err
	}
	p.Type = Type(typ)
	p.Status = Status(status)
	if closedBy != nil {
		p.ClosedBy = *closedBy
	}
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	if notes != nil {
		p.ClosureNotes = *notes
	}
	return &p, nil
}

func scanLock(row rowScanner) (*Lock, error) {
	var l Lock
	var typ, status string
	var reason, reference, releasedBy, notes *string
	var releasedAt *time.Time
	if err := row.Scan(&l.ID, &l.Tenant, &typ, &l.Start, &l.End, &status,
		&reason, &reference, &l.LockedBy, &l.LockedAt, &releasedBy, &releasedAt, &notes); err != nil {
		return nil, err
	}
	l.Type = LockType(typ)
	l.Status = LockStatus(status)
	if reason != nil {
		l.Reason = *reason
	}
	if reference != nil {
		l.Reference = *reference
	}
	if releasedBy != nil {
		l.ReleasedBy = *releasedBy
	}
	if releasedAt != nil {
		l.ReleasedAt = *releasedAt
	}
	if notes != nil {
		l.Notes = *notes
	}
	return &l, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// isExclusionViolation matches PostgreSQL error 23P01.
func isExclusionViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var st sqlState
	return errors.As(err, &st) && st.SQLState() == "23P01"
}
