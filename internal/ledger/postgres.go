package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore persists the ledger in PostgreSQL. WithinTx runs fn inside
// a SERIALIZABLE transaction; the unique partial index on
// (tenant, idempotency_key) serialises concurrent replays and the entries
// trigger enforces write-once at the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate installs the ledger schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// CreateAccount implements Store.
func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	query, args, err := psql.Insert("accounts").
		Columns("id", "tenant", "code", "name", "account_type", "normal_balance", "status", "created_at").
		Values(a.ID, a.Tenant, a.Code, a.Name, string(a.Type), string(a.NormalBalance), string(a.Status), a.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrValidation("account " + a.Code + " already exists for tenant " + a.Tenant)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount implements Store.
func (s *PostgresStore) GetAccount(ctx context.Context, tenant, code string) (*Account, error) {
	return getAccount(ctx, s.pool, tenant, code)
}

// SetAccountStatus implements Store.
func (s *PostgresStore) SetAccountStatus(ctx context.Context, tenant, code string, status AccountStatus) error {
	query, args, err := psql.Update("accounts").
		Set("status", string(status)).
		Where(sq.Eq{"tenant": tenant, "code": code}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrValidation("account " + code + " not found for tenant " + tenant)
	}
	return nil
}

// WithinTx implements Store with a SERIALIZABLE pgx transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, tenant, code string) (*Account, error) {
	return getAccount(ctx, t.tx, tenant, code)
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, tenant, key string) (*Transaction, []Entry, error) {
	return findByIdempotencyKey(ctx, t.tx, tenant, key)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	meta, err := json.Marshal(orEmpty(txn.Metadata))
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("transactions").
		Columns("id", "tenant", "transaction_ref", "idempotency_key", "event_type", "source_ref",
			"amount", "currency", "status", "description", "transaction_date", "created_by",
			"created_at", "override_used", "override_justification", "period_id", "metadata").
		Values(txn.ID, txn.Tenant, txn.TransactionRef, nullable(txn.IdempotencyKey), txn.EventType, txn.SourceRef,
			txn.Amount, txn.Currency, string(txn.Status), txn.Description, txn.TransactionDate, txn.CreatedBy,
			txn.CreatedAt, txn.OverrideUsed, nullable(txn.OverrideJustification), nullable(txn.PeriodID), meta).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrIdempotencyConflict(txn.IdempotencyKey)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []Entry) error {
	builder := psql.Insert("entries").
		Columns("id", "transaction_id", "account_id", "side", "amount", "ordinal", "description")
	for _, entry := range entries {
		builder = builder.Values(entry.ID, entry.TransactionID, entry.AccountID,
			string(entry.Side), entry.Amount, entry.Ordinal, entry.Description)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

func (t *pgTx) MarkPosted(ctx context.Context, id string, at time.Time) error {
	query, args, err := psql.Update("transactions").
		Set("status", string(TxPosted)).
		Set("posted_at", at).
		Where(sq.Eq{"id": id, "status": string(TxPending)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrValidation("transaction " + id + " is not pending")
	}
	return nil
}

func (t *pgTx) MarkReversed(ctx context.Context, originalID, reversalID string) error {
	query, args, err := psql.Update("transactions").
		Set("status", string(TxReversed)).
		Set("reversed_by", reversalID).
		Where(sq.Eq{"id": originalID, "status": string(TxPosted)}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrValidation("transaction " + originalID + " is not posted")
	}
	query, args, err = psql.Update("transactions").
		Set("reversal_of", originalID).
		Where(sq.Eq{"id": reversalID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgTx) AppendOverrideLog(ctx context.Context, rec OverrideRecord) error {
	query, args, err := psql.Insert("override_log").
		Columns("id", "tenant", "actor", "role", "justification", "affected", "at").
		Values(rec.ID, rec.Tenant, rec.Actor, rec.Role, rec.Justification, rec.AffectedEntities, rec.At).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgTx) AppendAuditLog(ctx context.Context, rec AuditRecord) error {
	query, args, err := psql.Insert("audit_log").
		Columns("id", "tenant", "operation", "transaction_id", "actor", "detail", "at").
		Values(rec.ID, rec.Tenant, rec.Operation, nullable(rec.TransactionID), rec.Actor, rec.Detail, rec.At).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

// GetTransaction implements Store.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, []Entry, error) {
	query, args, err := psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	txn, err := scanTransaction(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	entries, err := listEntries(ctx, s.pool, id)
	return txn, entries, err
}

// FindByIdempotencyKey implements Store.
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, tenant, key string) (*Transaction, []Entry, error) {
	return findByIdempotencyKey(ctx, s.pool, tenant, key)
}

// GetAccountBalance implements Store. The projection is a single aggregate
// over posted entries, never materialised.
func (s *PostgresStore) GetAccountBalance(ctx context.Context, tenant, code string) (*Balance, error) {
	account, err := s.GetAccount(ctx, tenant, code)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errs.ErrValidation("account " + code + " not found for tenant " + tenant)
	}

	const query = `
SELECT COALESCE(SUM(e.amount) FILTER (WHERE e.side = 'debit'), 0),
       COALESCE(SUM(e.amount) FILTER (WHERE e.side = 'credit'), 0),
       COUNT(e.id)
  FROM entries e
  JOIN transactions t ON t.id = e.transaction_id
 WHERE e.account_id = $1 AND t.status <> 'pending'`

	balance := &Balance{Tenant: tenant, AccountCode: code}
	if err := s.pool.QueryRow(ctx, query, account.ID).
		Scan(&balance.TotalDebits, &balance.TotalCredits, &balance.EntryCount); err != nil {
		return nil, err
	}
	net := balance.TotalDebits - balance.TotalCredits
	if account.NormalBalance == SideCredit {
		net = -net
	}
	balance.Balance = net
	return balance, nil
}

// ListGatewayPostings implements Store.
func (s *PostgresStore) ListGatewayPostings(ctx context.Context, tenant, gateway string, from, to time.Time) ([]GatewayPosting, error) {
	builder := psql.Select("id", "source_ref", "amount", "currency", "metadata->>'gateway'", "transaction_date").
		From("transactions").
		Where(sq.Eq{"tenant": tenant}).
		Where(sq.NotEq{"status": string(TxPending)}).
		Where(sq.Expr("metadata->>'gateway' IS NOT NULL")).
		Where(sq.GtOrEq{"transaction_date": from}).
		Where(sq.Lt{"transaction_date": to})
	if gateway != "" {
		builder = builder.Where(sq.Eq{"metadata->>'gateway'": gateway})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GatewayPosting
	for rows.Next() {
		var p GatewayPosting
		if err := rows.Scan(&p.TransactionID, &p.SourceRef, &p.Amount, &p.Currency, &p.Gateway, &p.TransactionDate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var transactionColumns = []string{
	"id", "tenant", "transaction_ref", "idempotency_key", "event_type", "source_ref",
	"amount", "currency", "status", "description", "transaction_date", "created_by",
	"created_at", "posted_at", "override_used", "override_justification", "period_id",
	"reversal_of", "reversed_by", "metadata",
}

func getAccount(ctx context.Context, q querier, tenant, code string) (*Account, error) {
	query, args, err := psql.Select("id", "tenant", "code", "name", "account_type", "normal_balance", "status", "created_at").
		From("accounts").
		Where(sq.Eq{"tenant": tenant, "code": code}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var a Account
	var typ, normal, status string
	err = q.QueryRow(ctx, query, args...).
		Scan(&a.ID, &a.Tenant, &a.Code, &a.Name, &typ, &normal, &status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Type = AccountType(typ)
	a.NormalBalance = Side(normal)
	a.Status = AccountStatus(status)
	return &a, nil
}

func findByIdempotencyKey(ctx context.Context, q querier, tenant, key string) (*Transaction, []Entry, error) {
	query, args, err := psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"tenant": tenant, "idempotency_key": key}).
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	txn, err := scanTransaction(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	entries, err := listEntries(ctx, q, txn.ID)
	return txn, entries, err
}

func listEntries(ctx context.Context, q querier, transactionID string) ([]Entry, error) {
	query, args, err := psql.Select("e.id", "e.transaction_id", "e.account_id", "a.code", "e.side", "e.amount", "e.ordinal", "e.description").
		From("entries e").
		Join("accounts a ON a.id = e.account_id").
		Where(sq.Eq{"e.transaction_id": transactionID}).
		OrderBy("e.ordinal").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var side string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.AccountCode, &side, &e.Amount, &e.Ordinal, &e.Description); err != nil {
			return nil, err
		}
		e.Side = Side(side)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var status string
	var idemKey, justification, periodID, reversalOf, reversedBy *string
	var postedAt *time.Time
	var meta []byte
	err := row.Scan(&t.ID, &t.Tenant, &t.TransactionRef, &idemKey, &t.EventType, &t.SourceRef,
		&t.Amount, &t.Currency, &status, &t.Description, &t.TransactionDate, &t.CreatedBy,
		&t.CreatedAt, &postedAt, &t.OverrideUsed, &justification, &periodID,
		&reversalOf, &reversedBy, &meta)
	if err != nil {
		return nil, err
	}
	t.Status = TransactionStatus(status)
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	if justification != nil {
		t.OverrideJustification = *justification
	}
	if periodID != nil {
		t.PeriodID = *periodID
	}
	if reversalOf != nil {
		t.ReversalOf = *reversalOf
	}
	if reversedBy != nil {
		t.ReversedBy = *reversedBy
	}
	if postedAt != nil {
		t.PostedAt = *postedAt
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
