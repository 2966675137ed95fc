package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/storage"
)

var errBoom = errors.New("boom")

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRunsToCompletion(t *testing.T) {
	s := newTestStore(t)
	b := New(s, "orders", "ORDERS", func(ctx context.Context, event Event, step *Step) (any, error) {
		v, err := step.Do(ctx, "charge", func(ctx context.Context) (any, error) {
			return "charged", nil
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	inst, err := b.Create(context.Background(), CreateOptions{Params: map[string]any{"id": 1}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := inst.Status(context.Background())
		require.NoError(t, err)
		return status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStepDoMemoizesSecondCall(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	b := New(s, "orders", "ORDERS", func(ctx context.Context, event Event, step *Step) (any, error) {
		for i := 0; i < 2; i++ {
			if _, err := step.Do(ctx, "x", func(ctx context.Context) (any, error) {
				calls++
				return calls, nil
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	inst, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := inst.Status(context.Background())
		require.NoError(t, err)
		return status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, calls, "step.Do must not re-run a memoized step")
}

func TestErroredRunPreservesMemoizedSteps(t *testing.T) {
	s := newTestStore(t)
	attempt := 0
	b := New(s, "orders", "ORDERS", func(ctx context.Context, event Event, step *Step) (any, error) {
		if _, err := step.Do(ctx, "first", func(ctx context.Context) (any, error) {
			return "ok", nil
		}); err != nil {
			return nil, err
		}
		attempt++
		if attempt == 1 {
			return nil, errBoom
		}
		return "done", nil
	})

	inst, err := b.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := inst.Status(context.Background())
		require.NoError(t, err)
		return status == StatusErrored
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Restart(context.Background()))

	require.Eventually(t, func() bool {
		status, err := inst.Status(context.Background())
		require.NoError(t, err)
		return status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoverInterruptedMarksRunningAsErrored(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DB().Exec(
		`INSERT INTO workflow_instances (binding, id, params, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"orders", "stale-1", []byte("null"), StatusRunning, time.Now().UnixMilli(), time.Now().UnixMilli())
	require.NoError(t, err)

	b := New(s, "orders", "ORDERS", func(ctx context.Context, event Event, step *Step) (any, error) {
		return nil, nil
	})
	require.NoError(t, b.RecoverInterrupted(context.Background()))

	status, err := b.Get("stale-1").Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusErrored, status)
}
