// Package log wraps zerolog for structured, component-tagged logging shared
// by every binding and the dispatch core.
package log
