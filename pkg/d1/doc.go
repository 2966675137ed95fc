// Package d1 implements the SQL database binding: prepared statements with
// immutable bind composition, batch and multi-statement exec, dump, and
// read-replica-style sessions. Each D1 binding owns its own SQLite file
// under the storage root, separate from the shared substrate's tables,
// since its schema is entirely user-defined.
package d1
