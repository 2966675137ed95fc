package do

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cuemby/bunflare/pkg/container"
	"github.com/cuemby/bunflare/pkg/storage"
)

// State is the object every Durable Object instance is constructed with. It
// exposes the instance's id, key/value and SQL storage, an untracked
// WaitUntil (there is no separate request lifecycle to extend locally), and the
// WebSocket hibernation surface.
type State struct {
	ID    string
	Class string

	store     *storage.Store
	readiness *readiness
	sockets   *socketRegistry
	Storage   *Storage

	containerCfg *container.Config
	containerMu  sync.Mutex
	containerRT  *container.Runtime
}

func newState(store *storage.Store, class, id string, containerCfg *container.Config) *State {
	return &State{
		ID:           id,
		Class:        class,
		store:        store,
		readiness:    newReadiness(),
		sockets:      newSocketRegistry(),
		Storage:      newStorage(store, class, id),
		containerCfg: containerCfg,
	}
}

// Container returns this instance's Docker-backed container runtime,
// constructing it on first access. It errors for classes the dispatch core
// did not configure with a Container binding.
func (s *State) Container() (*container.Runtime, error) {
	s.containerMu.Lock()
	defer s.containerMu.Unlock()

	if s.containerCfg == nil {
		return nil, fmt.Errorf("do: class %q is not container-enabled", s.Class)
	}
	if s.containerRT == nil {
		s.containerRT = container.New(s.Class+"-"+s.ID, *s.containerCfg)
	}
	return s.containerRT, nil
}

// BlockConcurrencyWhile replaces the instance's readiness promise with one
// that resolves when cb returns. Every forwarded stub call awaits the
// latest installed readiness before running; calling this again while one
// is already pending replaces it, and all waiters observe the newest one.
func (s *State) BlockConcurrencyWhile(cb func(ctx context.Context) error) {
	resolve := s.readiness.reset()
	go func() {
		resolve(cb(context.Background()))
	}()
}

// WaitUntil starts fn in its own goroutine and neither tracks nor awaits
// it: there is no request boundary past which a background task would
// otherwise be killed. fn's error is discarded.
func (s *State) WaitUntil(fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

// SQLStorage returns the instance's dedicated SQL database, opening it
// lazily on first access.
func (s *State) SQLStorage() (*sql.DB, error) {
	return s.store.DOStorage(s.Class, s.ID)
}

// Sockets returns the instance's WebSocket hibernation registry.
func (s *State) Sockets() *socketRegistry {
	return s.sockets
}
