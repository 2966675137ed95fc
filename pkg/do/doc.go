// Package do implements the Durable Object binding: namespace id
// derivation, a stub that forwards calls to a single in-process instance
// keyed by id, per-instance key/value and SQL storage, alarms with
// exponential-backoff retry and restart recovery, and WebSocket
// hibernation. The namespace owns every live instance in an arena keyed by
// id; a stub never holds a pointer to the instance directly, only its id,
// so the namespace stays the single owner.
package do
