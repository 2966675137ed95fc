// Package worker defines the seam between the dispatch core and a loaded
// worker's code: the Module interface a loaded worker satisfies, the Env
// handed to it on every invocation, and the Loader that turns a main
// entrypoint path into a Module.
//
// Bundling and executing actual JavaScript/TypeScript worker source is out
// of scope for this repo (non-goal: "Bundler/plugin integration with a
// JavaScript module loader"); Loader is an interface so a real loader can
// be supplied by an embedder while the dispatch core and generation
// manager here only depend on the Module contract.
package worker
