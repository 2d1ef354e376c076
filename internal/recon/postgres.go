package recon

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists reconciliation batches and items. Amounts are
// NUMERIC columns; pgx scans them through decimal's scanner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Schema is the DDL for the reconciliation tables.
const Schema = `
CREATE TABLE IF NOT EXISTS recon_batches (
    id                UUID PRIMARY KEY,
    tenant            TEXT NOT NULL,
    gateway           TEXT NOT NULL,
    window_start      TIMESTAMPTZ NOT NULL,
    window_end        TIMESTAMPTZ NOT NULL,
    status            TEXT NOT NULL,
    total_items       INT NOT NULL DEFAULT 0,
    matched_count     INT NOT NULL DEFAULT 0,
    missing_internal  INT NOT NULL DEFAULT 0,
    missing_external  INT NOT NULL DEFAULT 0,
    amount_mismatches INT NOT NULL DEFAULT 0,
    difference_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
    started_by        TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS recon_batches_tenant_window
    ON recon_batches (tenant, window_start, window_end);

CREATE TABLE IF NOT EXISTS recon_items (
    id              UUID PRIMARY KEY,
    batch_id        UUID NOT NULL REFERENCES recon_batches (id),
    reference       TEXT NOT NULL,
    status          TEXT NOT NULL,
    internal_amount NUMERIC(20,4),
    external_amount NUMERIC(20,4),
    bank_amount     NUMERIC(20,4),
    difference      NUMERIC(20,4) NOT NULL DEFAULT 0,
    detail          TEXT
);

CREATE INDEX IF NOT EXISTS recon_items_batch ON recon_items (batch_id);
`

// Migrate installs the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// CreateBatch implements Store.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	query, args, err := psql.Insert("recon_batches").
		Columns("id", "tenant", "gateway", "window_start", "window_end", "status",
			"started_by", "started_at").
		Values(b.ID, b.Tenant, b.Gateway, b.WindowStart, b.WindowEnd, string(b.Status),
			b.StartedBy, b.StartedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// UpdateBatch implements Store.
func (s *PostgresStore) UpdateBatch(ctx context.Context, b *Batch) error {
	query, args, err := psql.Update("recon_batches").
		Set("status", string(b.Status)).
		Set("total_items", b.TotalItems).
		Set("matched_count", b.MatchedCount).
		Set("missing_internal", b.MissingInternal).
		Set("missing_external", b.MissingExternal).
		Set("amount_mismatches", b.AmountMismatches).
		Set("difference_amount", b.DifferenceAmount).
		Set("completed_at", nullableTime(b.CompletedAt)).
		Where(sq.Eq{"id": b.ID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// GetBatch implements Store.
func (s *PostgresStore) GetBatch(ctx context.Context, tenant, id string) (*Batch, error) {
	query, args, err := psql.Select(batchColumns...).
		From("recon_batches").
		Where(sq.Eq{"tenant": tenant, "id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanBatch(s.pool.QueryRow(ctx, query, args...))
}

// InsertItems implements Store.
func (s *PostgresStore) InsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	builder := psql.Insert("recon_items").
		Columns("id", "batch_id", "reference", "status", "internal_amount",
			"external_amount", "bank_amount", "difference", "detail")
	for _, it := range items {
		builder = builder.Values(it.ID, it.BatchID, it.Reference, string(it.Status),
			it.InternalAmount, it.ExternalAmount, it.BankAmount, it.Difference, it.Detail)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// ListItems implements Store.
func (s *PostgresStore) ListItems(ctx context.Context, tenant, batchID string) ([]Item, error) {
	query, args, err := psql.Select("i.id", "i.batch_id", "i.reference", "i.status",
		"i.internal_amount", "i.external_amount", "i.bank_amount", "i.difference", "i.detail").
		From("recon_items i").
		Join("recon_batches b ON b.id = i.batch_id").
		Where(sq.Eq{"b.tenant": tenant, "i.batch_id": batchID}).
		OrderBy("i.reference ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var status string
		var internal, external, bank decimal.NullDecimal
		var detail *string
		if err := rows.Scan(&it.ID, &it.BatchID, &it.Reference, &status,
			&internal, &external, &bank, &it.Difference, &detail); err != nil {
			return nil, err
		}
		it.Status = MatchStatus(status)
		if internal.Valid {
			it.InternalAmount = internal.Decimal
		}
		if external.Valid {
			it.ExternalAmount = external.Decimal
		}
		if bank.Valid {
			it.BankAmount = bank.Decimal
		}
		if detail != nil {
			it.Detail = *detail
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CompletedCovering implements Store.
func (s *PostgresStore) CompletedCovering(ctx context.Context, tenant string, from, to time.Time) (bool, error) {
	query, args, err := psql.Select("1").
		From("recon_batches").
		Where(sq.Eq{"tenant": tenant, "status": string(BatchCompleted)}).
		Where(sq.LtOrEq{"window_start": from}).
		Where(sq.GtOrEq{"window_end": to}).
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

var batchColumns = []string{
	"id", "tenant", "gateway", "window_start", "window_end", "status",
	"total_items", "matched_count", "missing_internal", "missing_external",
	"amount_mismatches", "difference_amount", "started_by", "started_at", "completed_at",
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var status string
	var completedAt *time.Time
	if err := row.Scan(&b.ID, &b.Tenant, &b.Gateway, &b.WindowStart, &b.WindowEnd,
		&status, &b.TotalItems, &b.MatchedCount, &b.MissingInternal, &b.MissingExternal,
		&b.AmountMismatches, &b.DifferenceAmount, &b.StartedBy, &b.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	if completedAt != nil {
		b.CompletedAt = *completedAt
	}
	return &b, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
