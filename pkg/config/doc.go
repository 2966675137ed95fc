// Package config loads and validates the worker configuration record: the
// name, main entrypoint, and the ordered binding lists for every binding
// kind in the schema. It accepts a JSON-with-comments file or a TOML file,
// and shallow-merges an `env.<name>` block over the base document when an
// environment name is given.
//
// Full CLI flag parsing and .dev.vars handling live outside this package
// and outside this repo's scope; Load only turns a configuration file on
// disk into a validated Configuration.
package config
