package store

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id             BIGSERIAL PRIMARY KEY,
    owner_id       TEXT NOT NULL DEFAULT '',
    tier           TEXT NOT NULL DEFAULT 'TIER_1',
    balance        NUMERIC(20,2) NOT NULL DEFAULT 0,
    ledger_balance NUMERIC(20,2) NOT NULL DEFAULT 0,
    locked         BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id                   BIGSERIAL PRIMARY KEY,
    reference            TEXT NOT NULL UNIQUE,
    account_id           BIGINT NOT NULL REFERENCES accounts(id),
    category             TEXT NOT NULL,
    direction            TEXT NOT NULL,
    amount               NUMERIC(20,2) NOT NULL,
    fee                  NUMERIC(20,2) NOT NULL DEFAULT 0,
    total_amount         NUMERIC(20,2) NOT NULL,
    balance_before       NUMERIC(20,2) NOT NULL,
    balance_after        NUMERIC(20,2) NOT NULL,
    status               TEXT NOT NULL,
    related_operation_id TEXT NOT NULL DEFAULT '',
    narrative            TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, id DESC);

-- At most one compensating record per original transaction.
CREATE UNIQUE INDEX IF NOT EXISTS transactions_reversal_once
    ON transactions (related_operation_id) WHERE status = 'reversed';

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key             TEXT PRIMARY KEY,
    endpoint        TEXT NOT NULL,
    method          TEXT NOT NULL,
    request_hash    TEXT NOT NULL,
    status          TEXT NOT NULL,
    response_status INT NOT NULL DEFAULT 0,
    response_body   JSONB,
    owner_id        TEXT NOT NULL DEFAULT '',
    expires_at      TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idempotency_keys_expiry_idx ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS daily_spend_counters (
    account_id        BIGINT NOT NULL REFERENCES accounts(id),
    day               DATE NOT NULL,
    transfers_total   NUMERIC(20,2) NOT NULL DEFAULT 0,
    transfers_count   BIGINT NOT NULL DEFAULT 0,
    withdrawals_total NUMERIC(20,2) NOT NULL DEFAULT 0,
    withdrawals_count BIGINT NOT NULL DEFAULT 0,
    airtime_total     NUMERIC(20,2) NOT NULL DEFAULT 0,
    airtime_count     BIGINT NOT NULL DEFAULT 0,
    data_total        NUMERIC(20,2) NOT NULL DEFAULT 0,
    data_count        BIGINT NOT NULL DEFAULT 0,
    bills_total       NUMERIC(20,2) NOT NULL DEFAULT 0,
    bills_count       BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, day)
);
`
