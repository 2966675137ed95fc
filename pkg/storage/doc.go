/*
Package storage owns the process-wide SQL substrate: one WAL-mode SQLite
database at <root>/data.sqlite holding every binding's rows (kv, r2_objects,
queue_messages, do_instances, workflow_instances, ...), plus the object-body
directory for R2 and a lazily-opened per-Durable-Object-instance database
under <root>/do-sql/<class>/<instance-id>.db.

Schema is a sequence of idempotent CREATE TABLE IF NOT EXISTS / CREATE INDEX
IF NOT EXISTS statements, run on every Open so startup never depends on
whether the file already existed. Binding packages (pkg/kv, pkg/r2, pkg/d1,
...) take a *Store and issue their own SQL against Store.DB(); this package
does not know the shape of any one binding's rows beyond creating their
tables.
*/
package storage
