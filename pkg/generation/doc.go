// Package generation owns the hot-reload lifecycle: building a new
// generation (configuration, loaded worker module, binding graph, and the
// background workers that serve it) off to the side, then atomically
// swapping it in as the active generation. The previous generation's
// background workers are stopped; requests already in flight against it
// keep running against its now-orphaned env, since nothing forces a Go
// goroutine holding a reference to stop early.
//
// This package does not know how to build a generation's binding graph —
// that requires every binding package and lives in the dispatch core.
// Manager takes a Builder function and only owns the id sequencing, the
// atomic swap, and the source file watcher that triggers reload.
package generation
