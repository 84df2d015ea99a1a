package db

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS markets (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    created_time INTEGER NOT NULL,
    close_time INTEGER NOT NULL DEFAULT 0,
    is_resolved INTEGER NOT NULL DEFAULT 0,
    resolution TEXT,
    resolution_prob REAL,
    first_seen_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS market_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id TEXT NOT NULL REFERENCES markets(id),
    probability REAL NOT NULL,
    volume REAL NOT NULL,
    total_liquidity REAL NOT NULL,
    unique_traders INTEGER NOT NULL,
    comment_count INTEGER NOT NULL,
    snapshot_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_snapshots_market_time ON market_snapshots(market_id, snapshot_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL,
    question TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL CHECK (direction IN ('YES', 'NO')),
    amount REAL NOT NULL,
    entry_prob REAL NOT NULL,
    model_prob REAL NOT NULL,
    edge REAL NOT NULL,
    confidence REAL NOT NULL,
    strength REAL NOT NULL,
    weights_version INTEGER NOT NULL DEFAULT 0,
    placed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id);

CREATE TABLE IF NOT EXISTS trade_signals (
    trade_id TEXT NOT NULL REFERENCES trades(id),
    producer TEXT NOT NULL,
    direction TEXT NOT NULL,
    confidence REAL NOT NULL,
    strength REAL NOT NULL,
    weight REAL NOT NULL,
    PRIMARY KEY (trade_id, producer)
);

CREATE TABLE IF NOT EXISTS trade_resolutions (
    trade_id TEXT PRIMARY KEY REFERENCES trades(id),
    outcome TEXT NOT NULL,
    resolution_prob REAL,
    payout REAL NOT NULL,
    pnl REAL NOT NULL,
    resolved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bankroll_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bankroll REAL NOT NULL,
    at_stake REAL NOT NULL,
    total_value REAL NOT NULL,
    snapshot_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS performance_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bankroll REAL NOT NULL,
    open_positions INTEGER NOT NULL,
    total_trades INTEGER NOT NULL,
    resolved_trades INTEGER NOT NULL,
    win_rate REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    unrealized_pnl REAL NOT NULL,
    max_drawdown REAL NOT NULL,
    snapshot_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
