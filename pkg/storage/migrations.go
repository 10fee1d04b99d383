package storage

import (
	"fmt"

	"github.com/cuemby/queued/pkg/types"
)

type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema changes. Entries are never
// edited once released; a new behavior gets a new, higher version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	type             TEXT NOT NULL,
	payload          BLOB NOT NULL DEFAULT '{}',
	compatibility    TEXT NOT NULL DEFAULT '{}',
	priority         INTEGER NOT NULL DEFAULT 100,
	status           TEXT NOT NULL DEFAULT 'queued',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	idempotency_key  TEXT,
	run_after_utc    DATETIME,
	locked_by        TEXT,
	lease_expires_utc DATETIME,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	processing_started_utc DATETIME,
	finished_at_utc  DATETIME,
	created_at_utc   DATETIME NOT NULL,
	updated_at_utc   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim
	ON task_queue(status, priority, run_after_utc);

CREATE UNIQUE INDEX IF NOT EXISTS idx_task_queue_idempotency
	ON task_queue(idempotency_key)
	WHERE idempotency_key IS NOT NULL AND status NOT IN ('succeeded', 'failed', 'dead_letter', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_task_queue_lease
	ON task_queue(locked_by, lease_expires_utc);

CREATE TABLE IF NOT EXISTS workers (
	id              TEXT PRIMARY KEY,
	capabilities    TEXT NOT NULL DEFAULT '{}',
	last_heartbeat_utc DATETIME NOT NULL,
	started_at_utc  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        INTEGER NOT NULL REFERENCES task_queue(id) ON DELETE CASCADE,
	severity       TEXT NOT NULL,
	message        TEXT NOT NULL,
	created_at_utc DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_log_task_id ON task_log(task_id);
`,
	},
}

// SchemaVersion reports the version stamped in schema_meta and the
// latest version this binary knows how to apply.
func (e *Engine) SchemaVersion() (current, latest int, err error) {
	row := e.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_meta`)
	if err := row.Scan(&current); err != nil {
		return 0, 0, fmt.Errorf("%w: reading schema version: %v", types.ErrStorageUnavailable, err)
	}
	return current, migrations[len(migrations)-1].version, nil
}

// migrate brings the schema up to the latest known version, refusing
// to run against a database stamped with a version newer than this
// binary understands.
func (e *Engine) migrate() error {
	if _, err := e.db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("%w: bootstrapping schema_meta: %v", types.ErrStorageUnavailable, err)
	}

	current := 0
	row := e.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_meta`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", types.ErrStorageUnavailable, err)
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("%w: database is at version %d, binary knows up to %d", types.ErrSchemaMismatch, current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := e.db.Exec(m.sql); err != nil {
			return fmt.Errorf("%w: applying migration %d: %v", types.ErrStorageUnavailable, m.version, err)
		}
		if _, err := e.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("%w: stamping migration %d: %v", types.ErrStorageUnavailable, m.version, err)
		}
	}
	return nil
}
