// Package execctx implements the per-invocation execution context the
// dispatch core hands to a worker's fetch/scheduled/queue entrypoint:
// waitUntil background-task tracking and a no-op passThroughOnException.
package execctx
