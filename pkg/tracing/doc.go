// Package tracing implements the dispatch core's tracing hooks: starting
// and ending spans around binding calls, persisting reported errors, and
// instrumenting outgoing fetch traffic. Persistence is external to this
// package — spans and errors are published to an events.Broker, and the
// core never fails because a trace could not be recorded.
package tracing
