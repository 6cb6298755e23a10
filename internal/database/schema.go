package database

// schemaSQL is the single source of truth for the persistence layout
// described in spec §6. Applied idempotently (IF NOT EXISTS) on every
// startup; there is exactly one schema, so no migration versioning table
// is needed yet.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS lockouts (
	account_id INTEGER NOT NULL,
	symbol     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS daily_pnl (
	account_id   INTEGER NOT NULL,
	session_date TEXT NOT NULL,
	realized     TEXT NOT NULL,
	PRIMARY KEY (account_id, session_date)
);

CREATE TABLE IF NOT EXISTS trade_counts (
	account_id   INTEGER NOT NULL,
	window_kind  TEXT NOT NULL,
	window_start TEXT NOT NULL,
	count        INTEGER NOT NULL,
	PRIMARY KEY (account_id, window_kind, window_start)
);

CREATE TABLE IF NOT EXISTS positions_snapshot (
	account_id    INTEGER NOT NULL,
	contract_id   TEXT NOT NULL,
	side          INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	average_price TEXT NOT NULL,
	opened_at     TEXT NOT NULL,
	open_instance TEXT NOT NULL,
	PRIMARY KEY (account_id, contract_id)
);

CREATE TABLE IF NOT EXISTS orders_snapshot (
	order_id     INTEGER NOT NULL,
	account_id   INTEGER NOT NULL,
	contract_id  TEXT NOT NULL,
	symbol_id    TEXT NOT NULL,
	status       INTEGER NOT NULL,
	type         INTEGER NOT NULL,
	side         INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	limit_price  TEXT,
	stop_price   TEXT,
	trail_price  TEXT,
	fill_volume  INTEGER NOT NULL,
	filled_price TEXT NOT NULL,
	custom_tag   TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (account_id, order_id)
);

CREATE TABLE IF NOT EXISTS enforcement_log (
	id           TEXT PRIMARY KEY,
	account_id   INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	target       TEXT NOT NULL,
	generation   INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	http_status  INTEGER NOT NULL,
	latency_ms   INTEGER NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enforcement_log_account ON enforcement_log(account_id, created_at);
`
