package sqlstore

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_counter (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);

INSERT OR IGNORE INTO sequence_counter (id, value) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS events (
	sequence      INTEGER PRIMARY KEY,
	type          TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	partition_key TEXT NOT NULL DEFAULT '',
	payload       BLOB NOT NULL,
	sealed        INTEGER NOT NULL DEFAULT 0,
	timestamp     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                TEXT PRIMARY KEY,
	partition_key     TEXT NOT NULL,
	kind              TEXT NOT NULL,
	items             BLOB NOT NULL,
	encrypted         INTEGER NOT NULL DEFAULT 0,
	item_count        INTEGER NOT NULL,
	boundary_id       TEXT NOT NULL DEFAULT '',
	boundary_sequence INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	active            INTEGER NOT NULL DEFAULT 0,
	stale             INTEGER NOT NULL DEFAULT 0,
	degraded          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_snapshots_partition ON snapshots(partition_key, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_one_active
	ON snapshots(partition_key) WHERE active = 1;

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
