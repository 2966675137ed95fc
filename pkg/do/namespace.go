package do

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cuemby/bunflare/pkg/container"
	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// Factory constructs a new instance given its State. Instances may
// optionally implement Alarmer and/or WebSocketHandler.
type Factory func(state *State) any

// Alarmer is implemented by DO classes that handle scheduled alarms.
type Alarmer interface {
	Alarm(ctx context.Context, retryCount int, isRetry bool) error
}

type actor struct {
	state    *State
	instance any
}

// Namespace owns every live instance of one Durable Object class.
type Namespace struct {
	store   *storage.Store
	class   string
	slot    string
	factory Factory

	containerCfg *container.Config

	mu     sync.Mutex
	actors map[string]*actor
}

// NewNamespace returns a namespace for class, constructing instances via
// factory on first access.
func NewNamespace(store *storage.Store, class, slot string, factory Factory) *Namespace {
	return &Namespace{store: store, class: class, slot: slot, factory: factory, actors: make(map[string]*actor)}
}

// WithContainer makes every instance of this class container-enabled: its
// State.Container() lazily starts a Docker runtime named "<class>-<id>"
// from cfg. Returns ns so it composes with NewNamespace at call sites.
func (ns *Namespace) WithContainer(cfg container.Config) *Namespace {
	ns.containerCfg = &cfg
	return ns
}

func (ns *Namespace) actorFor(id string) *actor {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if a, ok := ns.actors[id]; ok {
		return a
	}

	state := newState(ns.store, ns.class, id, ns.containerCfg)
	a := &actor{state: state, instance: ns.factory(state)}
	ns.actors[id] = a

	_, err := ns.store.DB().Exec(
		`INSERT INTO do_instances (class, id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (class, id) DO NOTHING`, ns.class, id, time.Now().UnixMilli())
	if err != nil {
		log.WithBinding("do", ns.slot).Warn().Err(err).Str("id", id).Msg("failed to record DO instance")
	}
	return a
}

// Get returns a stub bound to id.
func (ns *Namespace) Get(id string) *Stub {
	return &Stub{ns: ns, id: id}
}

// GetByName returns a stub for the instance deterministically derived from
// name.
func (ns *Namespace) GetByName(name string) *Stub {
	return ns.Get(IDFromName(name))
}

// Stub forwards method calls to a single in-process instance. The stub
// itself holds only the instance's id, never a pointer to it; the
// namespace remains the sole owner.
type Stub struct {
	ns *Namespace
	id string
}

// ID returns the id this stub targets.
func (s *Stub) ID() string {
	return s.id
}

// Call invokes method on the target instance by name via reflection,
// after awaiting the instance's current readiness promise.
func (s *Stub) Call(ctx context.Context, method string, args ...any) ([]reflect.Value, error) {
	a := s.ns.actorFor(s.id)
	if err := a.state.readiness.wait(ctx); err != nil {
		return nil, fmt.Errorf("do: %s: instance not ready: %w", method, err)
	}

	timer := metrics.NewTimer()
	defer func() {
		metrics.BindingOpsTotal.WithLabelValues("do", s.ns.slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("do", s.ns.slot, method).Observe(timer.Duration().Seconds())
	}()

	v := reflect.ValueOf(a.instance)
	m := v.MethodByName(method)
	if !m.IsValid() {
		metrics.BindingOpErrorsTotal.WithLabelValues("do", s.ns.slot, method).Inc()
		return nil, fmt.Errorf("do: instance has no method %q", method)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}
	return m.Call(in), nil
}

// state returns the instance's State without waiting on readiness.
func (ns *Namespace) state(id string) *State {
	return ns.actorFor(id).state
}

