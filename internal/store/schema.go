package store

// SchemaVersion is the current database schema version
const SchemaVersion = 2

const sqliteSchema = `
-- Local change log: every mutation applied to this store, local or remote
CREATE TABLE IF NOT EXISTS change_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    origin TEXT NOT NULL,
    clock INTEGER NOT NULL,
    base_origin TEXT NOT NULL DEFAULT '',
    base_clock INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT 'null',
    deleted INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL,
    UNIQUE (entity_type, entity_id, store_id, origin, clock)
);

-- Current value of each entity
CREATE TABLE IF NOT EXISTS entity_state (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    origin TEXT NOT NULL,
    clock INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    payload TEXT NOT NULL DEFAULT 'null',
    deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id, store_id)
);

-- Last common point per (peer, entity)
CREATE TABLE IF NOT EXISTS sync_points (
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    local_seq INTEGER NOT NULL,
    remote_clock INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (peer_id, entity_type, entity_id, store_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    cursor TEXT NOT NULL DEFAULT '',
    applied_up_to_clock INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (peer_id, entity_type)
);

-- Append-only conflict audit trail
CREATE TABLE IF NOT EXISTS conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    local_record TEXT NOT NULL,
    remote_record TEXT NOT NULL,
    resolution TEXT NOT NULL CHECK(resolution IN ('local', 'remote', 'merged')),
    resolver_reason TEXT NOT NULL DEFAULT '',
    resolved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    peer_id TEXT NOT NULL,
    entity_types TEXT NOT NULL,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS job_partitions (
    job_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    state TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT 0,
    updated INTEGER NOT NULL DEFAULT 0,
    conflicts INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    pages INTEGER NOT NULL DEFAULT 0,
    cursor TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (job_id, entity_type),
    FOREIGN KEY (job_id) REFERENCES jobs(id)
);

-- Lamport clock per local store
CREATE TABLE IF NOT EXISTS local_clock (
    store_id TEXT PRIMARY KEY,
    clock INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_log_type_seq ON change_log(entity_type, seq);
CREATE INDEX IF NOT EXISTS idx_change_log_ref ON change_log(entity_type, entity_id, store_id, seq);
CREATE INDEX IF NOT EXISTS idx_conflicts_peer_time ON conflicts(peer_id, resolved_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS change_log (
    seq BIGSERIAL PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    origin TEXT NOT NULL,
    clock BIGINT NOT NULL,
    base_origin TEXT NOT NULL DEFAULT '',
    base_clock BIGINT NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT 'null',
    deleted INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL,
    UNIQUE (entity_type, entity_id, store_id, origin, clock)
);

CREATE TABLE IF NOT EXISTS entity_state (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    origin TEXT NOT NULL,
    clock BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    payload TEXT NOT NULL DEFAULT 'null',
    deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id, store_id)
);

CREATE TABLE IF NOT EXISTS sync_points (
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    local_seq BIGINT NOT NULL,
    remote_clock BIGINT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (peer_id, entity_type, entity_id, store_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    cursor TEXT NOT NULL DEFAULT '',
    applied_up_to_clock BIGINT NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (peer_id, entity_type)
);

CREATE TABLE IF NOT EXISTS conflicts (
    id BIGSERIAL PRIMARY KEY,
    peer_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    local_record TEXT NOT NULL,
    remote_record TEXT NOT NULL,
    resolution TEXT NOT NULL CHECK(resolution IN ('local', 'remote', 'merged')),
    resolver_reason TEXT NOT NULL DEFAULT '',
    resolved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    peer_id TEXT NOT NULL,
    entity_types TEXT NOT NULL,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS job_partitions (
    job_id TEXT NOT NULL REFERENCES jobs(id),
    entity_type TEXT NOT NULL,
    state TEXT NOT NULL,
    processed BIGINT NOT NULL DEFAULT 0,
    created BIGINT NOT NULL DEFAULT 0,
    updated BIGINT NOT NULL DEFAULT 0,
    conflicts BIGINT NOT NULL DEFAULT 0,
    failed BIGINT NOT NULL DEFAULT 0,
    pages BIGINT NOT NULL DEFAULT 0,
    cursor TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (job_id, entity_type)
);

CREATE TABLE IF NOT EXISTS local_clock (
    store_id TEXT PRIMARY KEY,
    clock BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_log_type_seq ON change_log(entity_type, seq);
CREATE INDEX IF NOT EXISTS idx_change_log_ref ON change_log(entity_type, entity_id, store_id, seq);
CREATE INDEX IF NOT EXISTS idx_conflicts_peer_time ON conflicts(peer_id, resolved_at);
`

// Migration defines a schema migration with per-dialect statements
type Migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

// Migrations is the list of all schema migrations in order
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Index jobs by peer and state for the one-active-job check",
		SQLite:      `CREATE INDEX IF NOT EXISTS idx_jobs_peer_state ON jobs(peer_id, state);`,
		Postgres:    `CREATE INDEX IF NOT EXISTS idx_jobs_peer_state ON jobs(peer_id, state);`,
	},
}
