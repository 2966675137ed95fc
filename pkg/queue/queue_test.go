package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendAndConsumeAck(t *testing.T) {
	s := newTestStore(t)
	producer := NewProducer(s, "jobs", "JOBS", DefaultLimits())
	require.NoError(t, producer.Send(context.Background(), map[string]string{"a": "1"}, SendOptions{ContentType: JSON}))

	processed := make(chan struct{}, 1)
	consumer := NewPushConsumer(s, "jobs", "JOBS", func(ctx context.Context, batch *MessageBatch) error {
		require.Len(t, batch.Messages, 1)
		batch.Messages[0].Ack()
		processed <- struct{}{}
		return nil
	})
	consumer.PollInterval = 10 * time.Millisecond
	consumer.Start(context.Background())
	defer consumer.Stop()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never processed")
	}

	time.Sleep(30 * time.Millisecond)
	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM queue_messages WHERE queue = 'jobs'`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestRetryUntilMaxThenDeadLetter(t *testing.T) {
	s := newTestStore(t)
	producer := NewProducer(s, "jobs", "JOBS", DefaultLimits())
	require.NoError(t, producer.Send(context.Background(), "payload", SendOptions{ContentType: Text}))

	attempts := 0
	consumer := NewPushConsumer(s, "jobs", "JOBS", func(ctx context.Context, batch *MessageBatch) error {
		attempts++
		batch.Messages[0].Retry(0)
		return nil
	})
	consumer.PollInterval = 5 * time.Millisecond
	consumer.MaxRetries = 2
	consumer.DeadLetterQueue = "jobs-dlq"
	consumer.Start(context.Background())
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		var count int
		_ = s.DB().QueryRow(`SELECT count(*) FROM queue_messages WHERE queue = 'jobs-dlq'`).Scan(&count)
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendBatchSizeLimit(t *testing.T) {
	s := newTestStore(t)
	producer := NewProducer(s, "jobs", "JOBS", DefaultLimits())

	items := make([]BatchItem, 101)
	for i := range items {
		items[i] = BatchItem{Body: "x", ContentType: Text}
	}
	err := producer.SendBatch(context.Background(), items)
	require.Error(t, err)
}

func TestPullAndAck(t *testing.T) {
	s := newTestStore(t)
	producer := NewProducer(s, "jobs", "JOBS", DefaultLimits())
	require.NoError(t, producer.Send(context.Background(), "x", SendOptions{ContentType: Text}))

	pc := NewPullConsumer(s, "jobs", "JOBS")
	messages, err := pc.Pull(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, pc.Ack(context.Background(), []string{messages[0].LeaseID}, nil))

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM queue_messages`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestPullAndRetryWithDelay(t *testing.T) {
	s := newTestStore(t)
	producer := NewProducer(s, "jobs", "JOBS", DefaultLimits())
	require.NoError(t, producer.Send(context.Background(), "x", SendOptions{ContentType: Text}))

	pc := NewPullConsumer(s, "jobs", "JOBS")
	messages, err := pc.Pull(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, pc.Ack(context.Background(), nil, []RetryLease{
		{LeaseID: messages[0].LeaseID, DelaySeconds: 60},
	}))

	var visibleAt int64
	require.NoError(t, s.DB().QueryRow(`SELECT visible_at FROM queue_messages WHERE id = ?`, messages[0].ID).Scan(&visibleAt))
	require.Greater(t, visibleAt, time.Now().Add(30*time.Second).UnixMilli())
}
