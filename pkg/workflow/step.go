package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step is handed to a workflow's run function. do memoizes named steps so
// a resumed or restarted run never re-executes one that already completed.
type Step struct {
	binding    *Binding
	instanceID string
	run        *run
}

// StepFunc is the callback passed to Step.Do.
type StepFunc func(ctx context.Context) (any, error)

// Do runs fn under name, persisting its result. A later call with the same
// name returns the memoized output without running fn again.
func (s *Step) Do(ctx context.Context, name string, fn StepFunc) (any, error) {
	if err := s.checkpoint(ctx); err != nil {
		return nil, err
	}

	var memoized []byte
	row := s.binding.store.DB().QueryRowContext(ctx,
		`SELECT output FROM workflow_steps WHERE binding = ? AND id = ? AND name = ?`,
		s.binding.name, s.instanceID, name)
	switch err := row.Scan(&memoized); {
	case err == nil:
		var out any
		if unmarshalErr := json.Unmarshal(memoized, &out); unmarshalErr != nil {
			return nil, fmt.Errorf("workflow: step %s: decode memoized output: %w", name, unmarshalErr)
		}
		return out, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through, run it below
	default:
		return nil, fmt.Errorf("workflow: step %s: %w", name, err)
	}

	output, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow: step %s: %w", name, err)
	}

	outputRaw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("workflow: step %s: encode output: %w", name, err)
	}
	if _, err := s.binding.store.DB().ExecContext(ctx,
		`INSERT INTO workflow_steps (binding, id, name, output, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (binding, id, name) DO NOTHING`,
		s.binding.name, s.instanceID, name, outputRaw, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("workflow: step %s: persist memoization: %w", name, err)
	}

	s.appendEvent(ctx, "step.do", name)
	return output, nil
}

// Sleep pauses the run for duration, capped to maxDevSleep in local
// development. name is accepted but not used for memoization, matching
// the minimal contract spec.md describes.
func (s *Step) Sleep(ctx context.Context, name string, duration time.Duration) error {
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	wait := duration
	if wait > maxDevSleep {
		wait = maxDevSleep
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.appendEvent(ctx, "step.sleep", name)
		return nil
	case <-ctx.Done():
		return ErrTerminated
	}
}

// checkpoint blocks while the run is paused and fails it if the run's
// context has already been cancelled (terminate/restart).
func (s *Step) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrTerminated
	}

	s.run.mu.Lock()
	paused := s.run.paused
	resumeCh := s.run.resumeCh
	s.run.mu.Unlock()

	if !paused {
		return nil
	}

	select {
	case <-resumeCh:
		return nil
	case <-ctx.Done():
		return ErrTerminated
	}
}

func (s *Step) appendEvent(ctx context.Context, kind, payload string) {
	var seq int
	row := s.binding.store.DB().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_events WHERE binding = ? AND id = ?`,
		s.binding.name, s.instanceID)
	if err := row.Scan(&seq); err != nil {
		return
	}
	_, _ = s.binding.store.DB().ExecContext(ctx,
		`INSERT INTO workflow_events (binding, id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.binding.name, s.instanceID, seq, kind, []byte(payload), time.Now().UnixMilli())
}
