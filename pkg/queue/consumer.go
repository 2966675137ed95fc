package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// Message is a single queue message handed to the user handler.
type Message struct {
	ID          string
	Body        []byte
	ContentType ContentType
	Attempts    int
	EnqueuedAt  time.Time

	batch *MessageBatch
}

// Ack marks this message as successfully processed.
func (m *Message) Ack() {
	m.batch.setDecision(m.ID, decision{kind: decisionAck})
}

// Retry marks this message for retry, optionally overriding its re-delivery
// delay.
func (m *Message) Retry(delaySeconds int) {
	m.batch.setDecision(m.ID, decision{kind: decisionRetry, delaySeconds: delaySeconds})
}

type decisionKind int

const (
	decisionNone decisionKind = iota
	decisionAck
	decisionRetry
)

type decision struct {
	kind         decisionKind
	delaySeconds int
}

// MessageBatch is the set of messages delivered to the handler in one tick.
type MessageBatch struct {
	Messages []*Message

	mu        sync.Mutex
	decisions map[string]decision
	batchWide *decision
}

func newMessageBatch(messages []*Message) *MessageBatch {
	b := &MessageBatch{decisions: make(map[string]decision)}
	for _, m := range messages {
		m.batch = b
	}
	b.Messages = messages
	return b
}

func (b *MessageBatch) setDecision(id string, d decision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decisions[id] = d
}

// AckAll marks every message without an individual decision as acked.
func (b *MessageBatch) AckAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := decision{kind: decisionAck}
	b.batchWide = &d
}

// RetryAll marks every message without an individual decision for retry.
func (b *MessageBatch) RetryAll(delaySeconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := decision{kind: decisionRetry, delaySeconds: delaySeconds}
	b.batchWide = &d
}

func (b *MessageBatch) resolve(id string) decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.decisions[id]; ok {
		return d
	}
	if b.batchWide != nil {
		return *b.batchWide
	}
	return decision{kind: decisionAck}
}

// Handler processes one batch of messages.
type Handler func(ctx context.Context, batch *MessageBatch) error

// PushConsumer polls the shared substrate on a ticker and invokes Handler
// for every batch of eligible messages.
type PushConsumer struct {
	store  *storage.Store
	queue  string
	slot   string
	handler Handler
	logger  zerolog.Logger

	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterQueue string
	Retention       time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPushConsumer returns a consumer for queue, with sane defaults matching
// spec.md's documented behavior. Callers override BatchSize/MaxRetries/
// DeadLetterQueue/Retention/PollInterval from configuration before Start.
func NewPushConsumer(store *storage.Store, queueName, slot string, handler Handler) *PushConsumer {
	return &PushConsumer{
		store:        store,
		queue:        queueName,
		slot:         slot,
		handler:      handler,
		logger:       log.WithBinding("queue", slot),
		BatchSize:    10,
		PollInterval: time.Second,
		MaxRetries:   3,
		Retention:    4 * 24 * time.Hour,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the poll loop in a goroutine.
func (c *PushConsumer) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (c *PushConsumer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *PushConsumer) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	c.logger.Info().Str("queue", c.queue).Msg("queue consumer started")

	for {
		select {
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				c.logger.Error().Err(err).Msg("queue poll tick failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("queue consumer stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *PushConsumer) tick(ctx context.Context) error {
	now := time.Now()

	if _, err := c.store.DB().ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND enqueued_at < ?`,
		c.queue, now.Add(-c.Retention).UnixMilli()); err != nil {
		return err
	}

	rows, err := c.store.DB().QueryContext(ctx,
		`SELECT id, body, content_type, attempts, enqueued_at FROM queue_messages
		 WHERE queue = ? AND visible_at <= ? ORDER BY visible_at ASC LIMIT ?`,
		c.queue, now.UnixMilli(), c.BatchSize)
	if err != nil {
		return err
	}

	var messages []*Message
	var ids []string
	for rows.Next() {
		var m Message
		var contentType string
		var enqueuedAtMs int64
		if scanErr := rows.Scan(&m.ID, &m.Body, &contentType, &m.Attempts, &enqueuedAtMs); scanErr != nil {
			rows.Close()
			return scanErr
		}
		m.ContentType = ContentType(contentType)
		m.EnqueuedAt = time.UnixMilli(enqueuedAtMs)
		messages = append(messages, &m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		return rowsErr
	}
	if len(messages) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, c.queue)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := c.store.DB().ExecContext(ctx,
		`UPDATE queue_messages SET attempts = attempts + 1 WHERE queue = ? AND id IN (`+placeholders+`)`,
		args...); err != nil {
		return err
	}
	for _, m := range messages {
		m.Attempts++
	}

	batch := newMessageBatch(messages)
	handlerErr := c.invokeHandler(ctx, batch)
	if handlerErr != nil {
		batch.RetryAll(0)
	}

	for _, m := range messages {
		if err := c.resolveOutcome(ctx, m, batch.resolve(m.ID)); err != nil {
			c.logger.Error().Err(err).Str("message_id", m.ID).Msg("failed to resolve queue message outcome")
		}
	}
	return nil
}

func (c *PushConsumer) invokeHandler(ctx context.Context, batch *MessageBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errFromPanic(r)
		}
	}()
	return c.handler(ctx, batch)
}

func (c *PushConsumer) resolveOutcome(ctx context.Context, m *Message, d decision) error {
	switch d.kind {
	case decisionRetry:
		if m.Attempts < c.MaxRetries {
			visibleAt := time.Now().Add(time.Duration(d.delaySeconds) * time.Second)
			_, err := c.store.DB().ExecContext(ctx,
				`UPDATE queue_messages SET visible_at = ? WHERE id = ?`, visibleAt.UnixMilli(), m.ID)
			metrics.QueueMessagesTotal.WithLabelValues(c.queue, "retried").Inc()
			return err
		}
		if c.DeadLetterQueue != "" {
			_, err := c.store.DB().ExecContext(ctx,
				`UPDATE queue_messages SET queue = ?, visible_at = ? WHERE id = ?`,
				c.DeadLetterQueue, time.Now().UnixMilli(), m.ID)
			metrics.QueueMessagesTotal.WithLabelValues(c.queue, "dead_lettered").Inc()
			return err
		}
		_, err := c.store.DB().ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, m.ID)
		metrics.QueueMessagesTotal.WithLabelValues(c.queue, "dead_lettered").Inc()
		return err
	default: // ack
		_, err := c.store.DB().ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, m.ID)
		metrics.QueueMessagesTotal.WithLabelValues(c.queue, "acked").Inc()
		return err
	}
}

func errFromPanic(r any) error {
	return &panicError{value: r}
}

type panicError struct{ value any }

func (e *panicError) Error() string {
	return "queue: handler panicked"
}
