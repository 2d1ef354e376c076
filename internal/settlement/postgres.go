package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// PostgresStore persists settlements in PostgreSQL. Transition takes a
// FOR UPDATE row lock on the settlement, so two racing flips serialise
// and exactly one wins.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Schema is the DDL for the settlement tables.
const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
    id            UUID PRIMARY KEY,
    tenant        TEXT NOT NULL,
    merchant      TEXT NOT NULL,
    gross_amount  BIGINT NOT NULL,
    fees          BIGINT NOT NULL,
    net_amount    BIGINT NOT NULL,
    currency      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'CREATED',
    utr           TEXT,
    failure_code  TEXT,
    retry_count   INT NOT NULL DEFAULT 0,
    max_retries   INT NOT NULL DEFAULT 3,
    next_retry_at TIMESTAMPTZ,
    batch_id      UUID,
    created_by    TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS settlements_tenant_utr
    ON settlements (tenant, utr) WHERE utr IS NOT NULL;

CREATE INDEX IF NOT EXISTS settlements_retry_due
    ON settlements (tenant, next_retry_at) WHERE status = 'FAILED';

CREATE TABLE IF NOT EXISTS settlement_transitions (
    id            UUID PRIMARY KEY,
    settlement_id UUID NOT NULL REFERENCES settlements (id),
    from_status   TEXT NOT NULL,
    to_status     TEXT NOT NULL,
    reason        TEXT,
    actor         TEXT NOT NULL,
    actor_role    TEXT NOT NULL,
    occurred_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS settlement_transitions_settlement
    ON settlement_transitions (settlement_id, occurred_at);

CREATE TABLE IF NOT EXISTS settlement_batches (
    id           UUID PRIMARY KEY,
    tenant       TEXT NOT NULL,
    count        INT NOT NULL,
    total_amount BIGINT NOT NULL,
    currency     TEXT NOT NULL,
    created_by   TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
`

// Migrate installs the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, st *Settlement) error {
	query, args, err := psql.Insert("settlements").
		Columns("id", "tenant", "merchant", "gross_amount", "fees", "net_amount",
			"currency", "status", "retry_count", "max_retries", "created_by",
			"created_at", "updated_at").
		Values(st.ID, st.Tenant, st.Merchant, st.GrossAmount, st.Fees, st.NetAmount,
			st.Currency, string(st.Status), st.RetryCount, st.MaxRetries, st.CreatedBy,
			st.CreatedAt, st.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenant, id string) (*Settlement, error) {
	query, args, err := psql.Select(settlementColumns...).
		From("settlements").
		Where(sq.Eq{"tenant": tenant, "id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	st, err := scanSettlement(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s not found", id)
	}
	return st, err
}

// Transition implements Store.
func (s *PostgresStore) Transition(ctx context.Context, tenant, id string, next Status, tr Transition, update func(*Settlement)) (*Settlement, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Select(settlementColumns...).
		From("settlements").
		Where(sq.Eq{"tenant": tenant, "id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}
	st, err := scanSettlement(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if st.Status != tr.FromStatus {
		return nil, errs.ErrSettlementState(id, string(st.Status), string(next))
	}

	st.Status = next
	st.UpdatedAt = tr.OccurredAt
	if update != nil {
		update(st)
	}

	query, args, err = psql.Update("settlements").
		Set("status", string(st.Status)).
		Set("utr", nullable(st.UTR)).
		Set("failure_code", nullable(st.FailureCode)).
		Set("retry_count", st.RetryCount).
		Set("next_retry_at", st.NextRetryAt).
		Set("batch_id", nullable(st.BatchID)).
		Set("updated_at", st.UpdatedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrDuplicateUTR(st.UTR)
		}
		return nil, fmt.Errorf("update settlement: %w", err)
	}

	query, args, err = psql.Insert("settlement_transitions").
		Columns("id", "settlement_id", "from_status", "to_status", "reason",
			"actor", "actor_role", "occurred_at").
		Values(tr.ID, tr.SettlementID, string(tr.FromStatus), string(tr.ToStatus),
			tr.Reason, tr.Actor, tr.ActorRole, tr.OccurredAt).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("append transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Transitions implements Store.
func (s *PostgresStore) Transitions(ctx context.Context, tenant, id string) ([]Transition, error) {
	query, args, err := psql.Select("t.id", "t.settlement_id", "t.from_status",
		"t.to_status", "t.reason", "t.actor", "t.actor_role", "t.occurred_at").
		From("settlement_transitions t").
		Join("settlements s ON s.id = t.settlement_id").
		Where(sq.Eq{"s.tenant": tenant, "t.settlement_id": id}).
		OrderBy("t.occurred_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var reason *string
		if err := rows.Scan(&tr.ID, &tr.SettlementID, &from, &to, &reason,
			&tr.Actor, &tr.ActorRole, &tr.OccurredAt); err != nil {
			return nil, err
		}
		tr.FromStatus = Status(from)
		tr.ToStatus = Status(to)
		if reason != nil {
			tr.Reason = *reason
		}
		log = append(log, tr)
	}
	return log, rows.Err()
}

// UTRExists implements Store.
func (s *PostgresStore) UTRExists(ctx context.Context, tenant, utr string) (bool, error) {
	query, args, err := psql.Select("1").
		From("settlements").
		Where(sq.Eq{"tenant": tenant, "utr": utr}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CreateBatch implements Store.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	query, args, err := psql.Insert("settlement_batches").
		Columns("id", "tenant", "count", "total_amount", "currency", "created_by", "created_at").
		Values(b.ID, b.Tenant, b.Count, b.TotalAmount, b.Currency, b.CreatedBy, b.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// ListDue implements Store.
func (s *PostgresStore) ListDue(ctx context.Context, tenant string, now time.Time) ([]*Settlement, error) {
	query, args, err := psql.Select(settlementColumns...).
		From("settlements").
		Where(sq.Eq{"tenant": tenant, "status": string(StatusFailed)}).
		Where(sq.Expr("retry_count < max_retries")).
		Where(sq.Or{sq.Eq{"next_retry_at": nil}, sq.LtOrEq{"next_retry_at": now}}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, st)
	}
	return due, rows.Err()
}

var settlementColumns = []string{
	"id", "tenant", "merchant", "gross_amount", "fees", "net_amount",
	"currency", "status", "utr", "failure_code", "retry_count", "max_retries",
	"next_retry_at", "batch_id", "created_by", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*Settlement, error) {
	var st Settlement
	var status string
	var utr, failureCode, batchID *string
	if err := row.Scan(&st.ID, &st.Tenant, &st.Merchant, &st.GrossAmount, &st.Fees,
		&st.NetAmount, &st.Currency, &status, &utr, &failureCode, &st.RetryCount,
		&st.MaxRetries, &st.NextRetryAt, &batchID, &st.CreatedBy, &st.CreatedAt,
		&st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = Status(status)
	if utr != nil {
		st.UTR = *utr
	}
	if failureCode != nil {
		st.FailureCode = *failureCode
	}
	if batchID != nil {
		st.BatchID = *batchID
	}
	return &st, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
