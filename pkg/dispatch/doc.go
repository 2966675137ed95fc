// Package dispatch is the dispatch core: it builds a generation's binding
// graph from a Configuration, resolves worker-exported classes into the
// Durable Object, Workflow, and Service bindings that need them, and
// serves HTTP traffic by invoking the loaded worker Module's Fetch
// (plus the cron dispatcher's Scheduled and the queue consumers' Queue
// paths) inside a fresh execution context.
//
// Building a generation (BuildGeneration) is the generation.Builder this
// repo's pkg/generation.Manager is configured with; the HTTP Server here
// is what actually answers requests against whichever generation is
// currently active.
package dispatch
