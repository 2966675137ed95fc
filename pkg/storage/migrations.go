package storage

// schema lists every table and index the shared substrate owns, as
// idempotent statements. Running this against an already-migrated database
// is a no-op; adding a column later means appending a guarded ALTER TABLE
// step in migrate(), not editing these CREATE statements.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		namespace   TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       BLOB NOT NULL,
		metadata    BLOB,
		expires_at  INTEGER,
		PRIMARY KEY (namespace, key)
	)`,

	`CREATE TABLE IF NOT EXISTS r2_objects (
		bucket        TEXT NOT NULL,
		key           TEXT NOT NULL,
		size          INTEGER NOT NULL,
		etag          TEXT NOT NULL,
		http_metadata BLOB,
		custom_metadata BLOB,
		uploaded_at   INTEGER NOT NULL,
		body_path     TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	)`,

	`CREATE TABLE IF NOT EXISTS r2_multipart_uploads (
		upload_id   TEXT PRIMARY KEY,
		bucket      TEXT NOT NULL,
		key         TEXT NOT NULL,
		http_metadata BLOB,
		custom_metadata BLOB,
		created_at  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS r2_multipart_parts (
		upload_id   TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		etag        TEXT NOT NULL,
		size        INTEGER NOT NULL,
		body_path   TEXT NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	)`,

	`CREATE TABLE IF NOT EXISTS do_instances (
		class        TEXT NOT NULL,
		id           TEXT NOT NULL,
		name         TEXT,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (class, id)
	)`,

	`CREATE TABLE IF NOT EXISTS do_storage (
		class  TEXT NOT NULL,
		id     TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  BLOB NOT NULL,
		PRIMARY KEY (class, id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS do_alarms (
		class        TEXT NOT NULL,
		id           TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (class, id)
	)`,

	`CREATE TABLE IF NOT EXISTS do_migrations (
		class         TEXT PRIMARY KEY,
		applied_tag   TEXT NOT NULL,
		applied_at    INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS queue_messages (
		id          TEXT PRIMARY KEY,
		queue       TEXT NOT NULL,
		body        BLOB NOT NULL,
		content_type TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		visible_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_queue_visible
		ON queue_messages (queue, visible_at)`,

	`CREATE TABLE IF NOT EXISTS queue_leases (
		lease_id    TEXT PRIMARY KEY,
		message_id  TEXT NOT NULL,
		queue       TEXT NOT NULL,
		expires_at  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_instances (
		binding      TEXT NOT NULL,
		id           TEXT NOT NULL,
		params       BLOB,
		status       TEXT NOT NULL,
		output       BLOB,
		error        TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (binding, id)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_events (
		binding    TEXT NOT NULL,
		id         TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		payload    BLOB,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (binding, id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_steps (
		binding    TEXT NOT NULL,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL,
		output     BLOB,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (binding, id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_name  TEXT NOT NULL,
		url         TEXT NOT NULL,
		status      INTEGER NOT NULL,
		headers     BLOB NOT NULL,
		body        BLOB NOT NULL,
		expires_at  INTEGER,
		PRIMARY KEY (cache_name, url)
	)`,
}

// migrate runs every statement in schema. Each is individually idempotent,
// so a partial prior run (process killed mid-migration) is safe to resume.
func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
