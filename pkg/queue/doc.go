// Package queue implements the message queue binding: a producer
// (send/sendBatch), a push consumer driven by a ticker poll loop with
// ack/retry/dead-letter outcomes, and a pull-consumer HTTP surface backed
// by leases. All state lives in the shared substrate's queue_messages and
// queue_leases tables.
package queue
