package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// ContentType selects how a message body is serialized.
type ContentType string

const (
	JSON  ContentType = "json"
	Text  ContentType = "text"
	Bytes ContentType = "bytes"
	V8    ContentType = "v8" // approximated as JSON
)

// Limits bounds message and batch sizes.
type Limits struct {
	PerMessageMaxBytes int
	PerBatchMaxBytes   int
	BatchMaxLen        int
	MaxDelaySeconds     int
}

// DefaultLimits returns the documented Queues defaults.
func DefaultLimits() Limits {
	return Limits{
		PerMessageMaxBytes: 128 << 10,
		PerBatchMaxBytes:   256 << 10,
		BatchMaxLen:        100,
		MaxDelaySeconds:    43200,
	}
}

// SendOptions configures a single send.
type SendOptions struct {
	ContentType  ContentType
	DelaySeconds int
}

// BatchItem is one message within a SendBatch call.
type BatchItem struct {
	Body         any
	ContentType  ContentType
	DelaySeconds int
}

// Producer is the send/sendBatch half of a queue binding.
type Producer struct {
	store  *storage.Store
	queue  string
	slot   string
	limits Limits
}

// NewProducer returns a producer for queue, backed by store.
func NewProducer(store *storage.Store, queueName, slot string, limits Limits) *Producer {
	return &Producer{store: store, queue: queueName, slot: slot, limits: limits}
}

func serialize(body any, ct ContentType) ([]byte, error) {
	switch ct {
	case Text:
		s, ok := body.(string)
		if !ok {
			return nil, fmt.Errorf("queue: content type text requires a string body")
		}
		return []byte(s), nil
	case Bytes:
		b, ok := body.([]byte)
		if !ok {
			return nil, fmt.Errorf("queue: content type bytes requires a []byte body")
		}
		return b, nil
	case JSON, V8, "":
		return json.Marshal(body)
	default:
		return nil, fmt.Errorf("queue: unknown content type %q", ct)
	}
}

// Send enqueues a single message.
func (p *Producer) Send(ctx context.Context, body any, opts SendOptions) (err error) {
	defer observe("queue", p.slot, "send", &err)()

	if opts.DelaySeconds < 0 || opts.DelaySeconds > p.limits.MaxDelaySeconds {
		return fmt.Errorf("queue: delaySeconds %d out of range", opts.DelaySeconds)
	}

	data, err := serialize(body, opts.ContentType)
	if err != nil {
		return err
	}
	if len(data) > p.limits.PerMessageMaxBytes {
		return fmt.Errorf("queue: message of %d bytes exceeds limit %d", len(data), p.limits.PerMessageMaxBytes)
	}

	return p.insert(ctx, data, opts.ContentType, opts.DelaySeconds)
}

// SendBatch enqueues multiple messages as a single call, subject to the
// combined batch size and length limits.
func (p *Producer) SendBatch(ctx context.Context, items []BatchItem) (err error) {
	defer observe("queue", p.slot, "sendBatch", &err)()

	if len(items) > p.limits.BatchMaxLen {
		return fmt.Errorf("queue: batch of %d messages exceeds limit %d", len(items), p.limits.BatchMaxLen)
	}

	total := 0
	serialized := make([][]byte, len(items))
	for i, item := range items {
		data, serErr := serialize(item.Body, item.ContentType)
		if serErr != nil {
			return serErr
		}
		if len(data) > p.limits.PerMessageMaxBytes {
			return fmt.Errorf("queue: message %d of %d bytes exceeds limit %d", i, len(data), p.limits.PerMessageMaxBytes)
		}
		total += len(data)
		serialized[i] = data
	}
	if total > p.limits.PerBatchMaxBytes {
		return fmt.Errorf("queue: batch of %d bytes exceeds limit %d", total, p.limits.PerBatchMaxBytes)
	}

	for i, item := range items {
		if err = p.insert(ctx, serialized[i], item.ContentType, item.DelaySeconds); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) insert(ctx context.Context, body []byte, ct ContentType, delaySeconds int) error {
	now := time.Now()
	visibleAt := now.Add(time.Duration(delaySeconds) * time.Second)

	_, err := p.store.DB().ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, body, content_type, attempts, enqueued_at, visible_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(), p.queue, body, string(ct), now.UnixMilli(), visibleAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: send: %w", err)
	}
	metrics.QueueMessagesTotal.WithLabelValues(p.queue, "sent").Inc()
	return nil
}

func observe(kind, slot, method string, errp *error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues(kind, slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues(kind, slot, method).Observe(timer.Duration().Seconds())
		if errp != nil && *errp != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues(kind, slot, method).Inc()
		}
	}
}
