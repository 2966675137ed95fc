// Package service implements the Service binding: an in-process proxy that
// invokes another worker's default fetch handler or a named entrypoint
// class's method, wired to its target module and env at generation-build
// time.
package service
