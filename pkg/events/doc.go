// Package events provides an in-memory publish/subscribe broker used to
// fan out tracing occurrences (span start/end, reported errors) to
// whatever is currently listening. Delivery is best-effort: a full
// subscriber buffer skips that subscriber rather than blocking the
// publisher.
package events
