package generation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/bunflare/pkg/config"
	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/worker"
)

// Generation is one immutable (configuration, loaded module, binding
// graph) snapshot plus whatever background workers (queue consumers, the
// cron dispatcher) were started to serve it. Durable Object alarm timers
// are not tracked by a Generation. At most one Generation is active in a
// Manager at a time.
type Generation struct {
	ID     uint64
	Config *config.Configuration
	Module worker.Module
	Env    worker.Env

	// Close stops every background worker this generation started and
	// releases handles the Builder opened for it (the dispatch core closes
	// its D1 databases here). It does not close the shared storage
	// substrate, which outlives generations and is owned by the process.
	Close func()
}

// Builder constructs a new Generation from a loaded configuration. It runs
// off-path: the Manager only swaps the result in once it returns
// successfully.
type Builder func(ctx context.Context, cfg *config.Configuration, id uint64) (*Generation, error)

// Manager owns the active generation for one worker and reloads it on
// demand or on source change.
type Manager struct {
	configPath string
	envName    string
	build      Builder

	nextID  atomic.Uint64
	current atomic.Pointer[Generation]

	reloadMu sync.Mutex

	watcher *sourceWatcher
}

// New returns a Manager that loads configPath (applying the envName
// override block, if non-empty) and hands parsed configuration to build.
// Call Reload once before serving traffic to populate the first
// generation.
func New(configPath, envName string, build Builder) *Manager {
	return &Manager{configPath: configPath, envName: envName, build: build}
}

// Current returns the active generation, or nil before the first
// successful Reload.
func (m *Manager) Current() *Generation {
	return m.current.Load()
}

// Reload builds a new generation and, on success, atomically swaps it in
// and stops the previous generation's background workers. A failed reload
// leaves the current generation active and returns the error; the caller
// is expected to log it (the file watcher does so automatically).
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := config.Load(m.configPath, m.envName)
	if err != nil {
		metrics.GenerationReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("generation: load config: %w", err)
	}

	id := m.nextID.Add(1)
	next, err := m.build(ctx, cfg, id)
	if err != nil {
		metrics.GenerationReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("generation: build generation %d: %w", id, err)
	}
	next.ID = id

	prev := m.current.Swap(next)
	if prev != nil && prev.Close != nil {
		prev.Close()
	}

	metrics.GenerationReloadsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveGeneration.Set(float64(id))
	log.WithComponent("generation").Info().Uint64("generation", id).Msg("generation active")
	return nil
}

// WatchSource starts a debounced file watcher under root that calls
// Reload on change. Reload errors are logged, not returned, since there
// is no caller left to report them to once the watcher is running.
// StopWatching cancels the watcher; it does not affect the active generation.
func (m *Manager) WatchSource(root string, ignoreDirs []string) error {
	w, err := newSourceWatcher(root, ignoreDirs, func() {
		if err := m.Reload(context.Background()); err != nil {
			log.WithComponent("generation").Error().Err(err).Msg("reload failed, keeping current generation")
		}
	})
	if err != nil {
		return err
	}
	m.watcher = w
	w.start()
	return nil
}

// StopWatching stops the source watcher started by WatchSource, if any.
func (m *Manager) StopWatching() {
	if m.watcher != nil {
		m.watcher.stop()
	}
}
