package ledger

// Schema is the DDL for the ledger tables. Entry immutability is enforced
// at the storage layer by a write-once trigger, not by application
// convention; the posted-balance check runs when the header flips to
// posted.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id             UUID PRIMARY KEY,
    tenant         TEXT NOT NULL,
    code           TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    account_type   TEXT NOT NULL,
    normal_balance TEXT NOT NULL CHECK (normal_balance IN ('debit', 'credit')),
    status         TEXT NOT NULL DEFAULT 'active',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant, code)
);

CREATE TABLE IF NOT EXISTS transactions (
    id               UUID PRIMARY KEY,
    tenant           TEXT NOT NULL,
    transaction_ref  TEXT NOT NULL,
    idempotency_key  TEXT,
    event_type       TEXT NOT NULL,
    source_ref       TEXT NOT NULL DEFAULT '',
    amount           BIGINT NOT NULL,
    currency         TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    description      TEXT NOT NULL DEFAULT '',
    transaction_date TIMESTAMPTZ NOT NULL,
    created_by       TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    posted_at        TIMESTAMPTZ,
    override_used    BOOLEAN NOT NULL DEFAULT FALSE,
    override_justification TEXT,
    period_id        UUID,
    reversal_of      UUID,
    reversed_by      UUID,
    metadata         JSONB NOT NULL DEFAULT '{}',
    UNIQUE (tenant, transaction_ref)
);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_tenant_idem_key
    ON transactions (tenant, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS entries (
    id             UUID PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transactions (id),
    account_id     UUID NOT NULL REFERENCES accounts (id),
    side           TEXT NOT NULL CHECK (side IN ('debit', 'credit')),
    amount         BIGINT NOT NULL CHECK (amount > 0),
    ordinal        INT NOT NULL,
    description    TEXT NOT NULL DEFAULT ''
);

CREATE OR REPLACE FUNCTION entries_write_once() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'ledger entries are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS entries_no_update ON entries;
CREATE TRIGGER entries_no_update
    BEFORE UPDATE OR DELETE ON entries
    FOR EACH ROW EXECUTE FUNCTION entries_write_once();

CREATE OR REPLACE FUNCTION transactions_check_balance() RETURNS trigger AS $$
DECLARE
    total_debits  BIGINT;
    total_credits BIGINT;
BEGIN
    IF NEW.status = 'posted' AND OLD.status = 'pending' THEN
        SELECT COALESCE(SUM(amount) FILTER (WHERE side = 'debit'), 0),
               COALESCE(SUM(amount) FILTER (WHERE side = 'credit'), 0)
          INTO total_debits, total_credits
          FROM entries WHERE transaction_id = NEW.id;
        IF total_debits <> total_credits OR total_debits = 0 THEN
            RAISE EXCEPTION 'transaction % is unbalanced: debits=% credits=%',
                NEW.id, total_debits, total_credits;
        END IF;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transactions_balance_on_post ON transactions;
CREATE TRIGGER transactions_balance_on_post
    BEFORE UPDATE OF status ON transactions
    FOR EACH ROW EXECUTE FUNCTION transactions_check_balance();

CREATE TABLE IF NOT EXISTS override_log (
    id            UUID PRIMARY KEY,
    tenant        TEXT NOT NULL,
    actor         TEXT NOT NULL,
    role          TEXT NOT NULL,
    justification TEXT NOT NULL,
    affected      TEXT[] NOT NULL,
    at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id             UUID PRIMARY KEY,
    tenant         TEXT NOT NULL,
    operation      TEXT NOT NULL,
    transaction_id UUID,
    actor          TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS entries_account_idx ON entries (account_id);
CREATE INDEX IF NOT EXISTS transactions_tenant_date_idx ON transactions (tenant, transaction_date);
`
