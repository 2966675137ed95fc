package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// PulledMessage is one message returned by Pull, identified by its lease.
type PulledMessage struct {
	LeaseID     string
	ID          string
	Body        []byte
	ContentType ContentType
	Attempts    int
}

// PullConsumer implements the HTTP pull API: POST .../messages/pull and
// POST .../messages/ack.
type PullConsumer struct {
	store *storage.Store
	queue string
	slot  string
}

// NewPullConsumer returns a pull consumer for queue.
func NewPullConsumer(store *storage.Store, queueName, slot string) *PullConsumer {
	return &PullConsumer{store: store, queue: queueName, slot: slot}
}

// Pull returns up to batchSize eligible messages, leasing each for
// visibilityTimeout.
func (c *PullConsumer) Pull(ctx context.Context, batchSize int, visibilityTimeout time.Duration) (messages []PulledMessage, err error) {
	defer observe("queue", c.slot, "pull", &err)()

	now := time.Now()
	rows, err := c.store.DB().QueryContext(ctx,
		`SELECT id, body, content_type, attempts FROM queue_messages
		 WHERE queue = ? AND visible_at <= ? ORDER BY visible_at ASC LIMIT ?`,
		c.queue, now.UnixMilli(), batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expiresAt := now.Add(visibilityTimeout)
	for rows.Next() {
		var m PulledMessage
		var contentType string
		var attempts int
		if scanErr := rows.Scan(&m.ID, &m.Body, &contentType, &attempts); scanErr != nil {
			return nil, scanErr
		}
		m.ContentType = ContentType(contentType)
		m.Attempts = attempts
		m.LeaseID = uuid.NewString()

		if _, execErr := c.store.DB().ExecContext(ctx,
			`INSERT INTO queue_leases (lease_id, message_id, queue, expires_at) VALUES (?, ?, ?, ?)`,
			m.LeaseID, m.ID, c.queue, expiresAt.UnixMilli()); execErr != nil {
			return nil, execErr
		}
		if _, execErr := c.store.DB().ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ? WHERE id = ?`, expiresAt.UnixMilli(), m.ID); execErr != nil {
			return nil, execErr
		}

		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RetryLease names a lease to retry and the delay, in seconds, before the
// message becomes visible again. A zero delay makes it immediately
// eligible for redelivery.
type RetryLease struct {
	LeaseID      string
	DelaySeconds int
}

// Ack resolves a set of leases as acked or retried. Expired leases
// (visibility timeout passed without a resolution) naturally become
// visible again since their message row's visible_at already elapsed.
func (c *PullConsumer) Ack(ctx context.Context, acks []string, retries []RetryLease) (err error) {
	defer observe("queue", c.slot, "ack", &err)()

	for _, leaseID := range acks {
		if err = c.resolveLease(ctx, leaseID, true, 0); err != nil {
			return err
		}
	}
	for _, retry := range retries {
		if err = c.resolveLease(ctx, retry.LeaseID, false, retry.DelaySeconds); err != nil {
			return err
		}
	}
	return nil
}

func (c *PullConsumer) resolveLease(ctx context.Context, leaseID string, ack bool, delaySeconds int) error {
	var messageID string
	row := c.store.DB().QueryRowContext(ctx,
		`SELECT message_id FROM queue_leases WHERE lease_id = ? AND queue = ? AND expires_at > ?`,
		leaseID, c.queue, time.Now().UnixMilli())
	if scanErr := row.Scan(&messageID); scanErr != nil {
		return nil // expired or unknown lease: nothing to resolve
	}

	if ack {
		if _, err := c.store.DB().ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, messageID); err != nil {
			return err
		}
		metrics.QueueMessagesTotal.WithLabelValues(c.queue, "acked").Inc()
	} else {
		visibleAt := time.Now().Add(time.Duration(delaySeconds) * time.Second)
		if _, err := c.store.DB().ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ? WHERE id = ?`, visibleAt.UnixMilli(), messageID); err != nil {
			return err
		}
		metrics.QueueMessagesTotal.WithLabelValues(c.queue, "retried").Inc()
	}

	_, err := c.store.DB().ExecContext(ctx, `DELETE FROM queue_leases WHERE lease_id = ?`, leaseID)
	return err
}
