package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// Status values a workflow instance row can hold.
const (
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusComplete   = "complete"
	StatusErrored    = "errored"
	StatusTerminated = "terminated"
)

// ErrTerminated is returned from step.Do/step.Sleep when the instance has
// been terminated or restarted mid-step.
var ErrTerminated = errors.New("workflow: instance terminated")

// Event is the payload handed to a workflow run.
type Event struct {
	InstanceID string
	Params     any
}

// RunFunc is a workflow's entrypoint, equivalent to the worker class's
// run(event, step) method.
type RunFunc func(ctx context.Context, event Event, step *Step) (any, error)

// maxDevSleep caps step.Sleep's actual pause in local development so a
// workflow that sleeps for hours doesn't hang a dev session.
const maxDevSleep = 2 * time.Second

type run struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	paused   bool
	resumeCh chan struct{}
}

// Binding is a single Workflows binding.
type Binding struct {
	store *storage.Store
	name  string
	slot  string
	fn    RunFunc

	mu   sync.Mutex
	runs map[string]*run
}

// New returns a Workflows binding named name, running fn for each created
// instance.
func New(store *storage.Store, name, slot string, fn RunFunc) *Binding {
	return &Binding{store: store, name: name, slot: slot, fn: fn, runs: make(map[string]*run)}
}

// CreateOptions configures Create.
type CreateOptions struct {
	ID     string
	Params any
}

// Create inserts a running instance row and asynchronously invokes the
// binding's run function.
func (b *Binding) Create(ctx context.Context, opts CreateOptions) (inst *Instance, err error) {
	defer observe(b.slot, "create", &err)()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	paramsRaw, err := json.Marshal(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("workflow: create: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = b.store.DB().ExecContext(ctx,
		`INSERT INTO workflow_instances (binding, id, params, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.name, id, paramsRaw, StatusRunning, now, now)
	if err != nil {
		return nil, fmt.Errorf("workflow: create %s: %w", id, err)
	}

	b.start(id, opts.Params)
	return &Instance{binding: b, id: id}, nil
}

// Get returns a handle to an existing instance.
func (b *Binding) Get(id string) *Instance {
	return &Instance{binding: b, id: id}
}

func (b *Binding) start(id string, params any) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}

	b.mu.Lock()
	b.runs[id] = r
	b.mu.Unlock()

	go b.execute(ctx, id, params, r)
}

func (b *Binding) execute(ctx context.Context, id string, params any, r *run) {
	logger := log.WithBinding("workflow", b.slot)
	step := &Step{binding: b, instanceID: id, run: r}

	output, err := b.invoke(ctx, Event{InstanceID: id, Params: params}, step)

	b.mu.Lock()
	delete(b.runs, id)
	b.mu.Unlock()

	if errors.Is(err, ErrTerminated) || errors.Is(ctx.Err(), context.Canceled) {
		return // terminate/restart already updated the row
	}

	now := time.Now().UnixMilli()
	if err != nil {
		logger.Error().Err(err).Str("instance_id", id).Msg("workflow run errored")
		if _, dbErr := b.store.DB().Exec(
			`UPDATE workflow_instances SET status = ?, error = ?, updated_at = ? WHERE binding = ? AND id = ?`,
			StatusErrored, err.Error(), now, b.name, id); dbErr != nil {
			logger.Error().Err(dbErr).Msg("failed to persist workflow error")
		}
		return
	}

	outputRaw, _ := json.Marshal(output)
	if _, dbErr := b.store.DB().Exec(
		`UPDATE workflow_instances SET status = ?, output = ?, updated_at = ? WHERE binding = ? AND id = ?`,
		StatusComplete, outputRaw, now, b.name, id); dbErr != nil {
		logger.Error().Err(dbErr).Msg("failed to persist workflow completion")
	}
}

func (b *Binding) invoke(ctx context.Context, event Event, step *Step) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow: run panicked: %v", r)
		}
	}()
	return b.fn(ctx, event, step)
}

// RecoverInterrupted marks every row left running by a prior process as
// errored with "interrupted by restart"; the caller must Restart to
// resume. Call once at startup before any new Create/Get activity.
func (b *Binding) RecoverInterrupted(ctx context.Context) error {
	_, err := b.store.DB().ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, error = ?, updated_at = ?
		 WHERE binding = ? AND status = ?`,
		StatusErrored, "interrupted by restart", time.Now().UnixMilli(), b.name, StatusRunning)
	if err != nil {
		return fmt.Errorf("workflow: recoverInterrupted: %w", err)
	}
	return nil
}

// Instance is a handle to a single workflow run.
type Instance struct {
	binding *Binding
	id      string
}

// ID returns the instance id.
func (i *Instance) ID() string {
	return i.id
}

// Status returns the instance's current row status.
func (i *Instance) Status(ctx context.Context) (status string, err error) {
	defer observe(i.binding.slot, "status", &err)()

	row := i.binding.store.DB().QueryRowContext(ctx,
		`SELECT status FROM workflow_instances WHERE binding = ? AND id = ?`, i.binding.name, i.id)
	if scanErr := row.Scan(&status); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", fmt.Errorf("workflow: instance %s not found", i.id)
		}
		return "", fmt.Errorf("workflow: status: %w", scanErr)
	}
	return status, nil
}

// Pause makes the instance's next step.Do/step.Sleep calls block until
// Resume is called; a step already under way runs to its end.
func (i *Instance) Pause(ctx context.Context) (err error) {
	defer observe(i.binding.slot, "pause", &err)()

	i.binding.mu.Lock()
	r, ok := i.binding.runs[i.id]
	i.binding.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: instance %s is not running", i.id)
	}

	r.mu.Lock()
	r.paused = true
	r.resumeCh = make(chan struct{})
	r.mu.Unlock()

	_, err = i.binding.store.DB().ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, updated_at = ? WHERE binding = ? AND id = ?`,
		StatusPaused, time.Now().UnixMilli(), i.binding.name, i.id)
	return err
}

// Resume releases a paused instance.
func (i *Instance) Resume(ctx context.Context) (err error) {
	defer observe(i.binding.slot, "resume", &err)()

	i.binding.mu.Lock()
	r, ok := i.binding.runs[i.id]
	i.binding.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: instance %s is not running", i.id)
	}

	r.mu.Lock()
	r.paused = false
	if r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
	}
	r.mu.Unlock()

	_, err = i.binding.store.DB().ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, updated_at = ? WHERE binding = ? AND id = ?`,
		StatusRunning, time.Now().UnixMilli(), i.binding.name, i.id)
	return err
}

// Terminate aborts the current execution and flips the row to terminated.
func (i *Instance) Terminate(ctx context.Context) (err error) {
	defer observe(i.binding.slot, "terminate", &err)()

	i.binding.mu.Lock()
	r, ok := i.binding.runs[i.id]
	i.binding.mu.Unlock()
	if ok {
		r.cancel()
	}

	_, err = i.binding.store.DB().ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, updated_at = ? WHERE binding = ? AND id = ?`,
		StatusTerminated, time.Now().UnixMilli(), i.binding.name, i.id)
	return err
}

// Restart aborts the current execution, clears output/error while keeping
// memoized steps, and re-runs the binding's run function from the top
// (steps already memoized return immediately).
func (i *Instance) Restart(ctx context.Context) (err error) {
	defer observe(i.binding.slot, "restart", &err)()

	i.binding.mu.Lock()
	r, ok := i.binding.runs[i.id]
	i.binding.mu.Unlock()
	if ok {
		r.cancel()
	}

	var paramsRaw []byte
	row := i.binding.store.DB().QueryRowContext(ctx,
		`SELECT params FROM workflow_instances WHERE binding = ? AND id = ?`, i.binding.name, i.id)
	if err := row.Scan(&paramsRaw); err != nil {
		return fmt.Errorf("workflow: restart: %w", err)
	}
	var params any
	_ = json.Unmarshal(paramsRaw, &params)

	now := time.Now().UnixMilli()
	_, err = i.binding.store.DB().ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, output = NULL, error = NULL, updated_at = ?
		 WHERE binding = ? AND id = ?`,
		StatusRunning, now, i.binding.name, i.id)
	if err != nil {
		return fmt.Errorf("workflow: restart: %w", err)
	}

	i.binding.start(i.id, params)
	return nil
}

func observe(slot, method string, errp *error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues("workflow", slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("workflow", slot, method).Observe(timer.Duration().Seconds())
		if errp != nil && *errp != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("workflow", slot, method).Inc()
		}
	}
}
