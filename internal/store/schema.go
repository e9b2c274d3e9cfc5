package store

// Schema is the PostgreSQL DDL for the lifecycle engine. Statements are
// idempotent so Migrate can run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS risk_profiles (
	user_id            TEXT PRIMARY KEY,
	risk_percent       NUMERIC NOT NULL,
	leverage           NUMERIC NOT NULL DEFAULT 1,
	max_concurrent     INTEGER NOT NULL DEFAULT 2,
	preferred_exchange TEXT NOT NULL DEFAULT '',
	funding_channel    TEXT NOT NULL DEFAULT 'REAL'
);

CREATE TABLE IF NOT EXISTS affiliates (
	user_id         TEXT PRIMARY KEY,
	tier            TEXT NOT NULL,
	commission_rate NUMERIC NOT NULL DEFAULT 0,
	accrued_total   NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS referrals (
	user_id      TEXT PRIMARY KEY,
	affiliate_id TEXT NOT NULL REFERENCES affiliates (user_id)
);

CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT NOT NULL,
	asset   TEXT NOT NULL,
	channel TEXT NOT NULL,
	free    NUMERIC NOT NULL DEFAULT 0,
	locked  NUMERIC NOT NULL DEFAULT 0 CHECK (locked >= 0),
	PRIMARY KEY (user_id, asset, channel)
);

CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	signal_id         TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	asset             TEXT NOT NULL,
	direction         TEXT NOT NULL,
	channel           TEXT NOT NULL,
	entry_price       NUMERIC NOT NULL,
	quantity          NUMERIC NOT NULL,
	notional          NUMERIC NOT NULL,
	leverage          NUMERIC NOT NULL,
	take_profit       NUMERIC,
	stop_loss         NUMERIC,
	state             TEXT NOT NULL,
	reject_reason     TEXT NOT NULL DEFAULT '',
	close_reason      TEXT NOT NULL DEFAULT '',
	exchange_order_id TEXT NOT NULL DEFAULT '',
	opened_at         TIMESTAMPTZ NOT NULL,
	closing_at        TIMESTAMPTZ,
	closed_at         TIMESTAMPTZ,
	exit_price        NUMERIC,
	realized_pnl      NUMERIC,
	settle_attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS positions_user_state_idx ON positions (user_id, state);
CREATE INDEX IF NOT EXISTS positions_state_idx ON positions (state);

CREATE TABLE IF NOT EXISTS cooldowns (
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	blocked_until TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL REFERENCES positions (id),
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	amount      NUMERIC NOT NULL,
	channel     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_position_idx ON ledger_entries (position_id);
CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id);

CREATE TABLE IF NOT EXISTS signal_records (
	signal_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	direction    TEXT NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	source_price NUMERIC NOT NULL,
	admitted     BOOLEAN NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	zone         TEXT NOT NULL,
	degraded     BOOLEAN NOT NULL,
	position_id  TEXT NOT NULL DEFAULT '',
	decided_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS signal_records_user_idx ON signal_records (user_id, decided_at DESC);
`
