package service

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/cuemby/bunflare/pkg/metrics"
)

// Fetcher is implemented by any worker default export or entrypoint class
// that handles HTTP requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// EntrypointFactory constructs a fresh instance of a named entrypoint class
// given the target worker's env value.
type EntrypointFactory func(env any) any

// Module is the minimal shape of a loaded worker module the service
// binding needs: its default export plus a registry of named entrypoint
// class factories.
type Module struct {
	Default     any
	Entrypoints map[string]EntrypointFactory
}

// Binding is a single service binding slot. It is constructed unwired and
// becomes usable once Wire is called by the dispatch core.
type Binding struct {
	slot       string
	entrypoint string

	mu     sync.RWMutex
	module *Module
	env    any
}

// New returns an unwired service binding for slot, targeting entrypoint
// (empty for the target's default export).
func New(slot, entrypoint string) *Binding {
	return &Binding{slot: slot, entrypoint: entrypoint}
}

// Wire binds the proxy to a loaded target module and its env, making it
// callable. Called once by the dispatch core while building a generation.
func (b *Binding) Wire(module *Module, env any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.module = module
	b.env = env
}

// IsWired reports whether Wire has been called.
func (b *Binding) IsWired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.module != nil
}

func (b *Binding) target() (*Module, any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.module == nil {
		return nil, nil, fmt.Errorf("service: binding %q is not wired to a target", b.slot)
	}
	return b.module, b.env, nil
}

// Fetch invokes the target's default fetch handler, or the named
// entrypoint's Fetch method if it exports one.
func (b *Binding) Fetch(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	defer b.observe("fetch", &err)()

	module, env, err := b.target()
	if err != nil {
		return nil, err
	}

	target, err := b.resolveTarget(module, env)
	if err != nil {
		return nil, err
	}

	fetcher, ok := target.(Fetcher)
	if !ok {
		return nil, fmt.Errorf("service: binding %q target has no fetch handler", b.slot)
	}
	return fetcher.Fetch(ctx, req)
}

// Call invokes method by name on the target: the named entrypoint's fresh
// instance if one is configured, else the default export directly.
func (b *Binding) Call(ctx context.Context, method string, args ...any) (out []reflect.Value, err error) {
	defer b.observe(method, &err)()

	module, env, err := b.target()
	if err != nil {
		return nil, err
	}

	target, err := b.resolveTarget(module, env)
	if err != nil {
		return nil, err
	}

	v := reflect.ValueOf(target)
	m := v.MethodByName(method)
	if !m.IsValid() {
		return nil, fmt.Errorf("service: binding %q target has no method %q", b.slot, method)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}
	return m.Call(in), nil
}

func (b *Binding) resolveTarget(module *Module, env any) (any, error) {
	if b.entrypoint == "" {
		return module.Default, nil
	}
	factory, ok := module.Entrypoints[b.entrypoint]
	if !ok {
		return nil, fmt.Errorf("service: binding %q: target has no entrypoint %q", b.slot, b.entrypoint)
	}
	return factory(env), nil
}

func (b *Binding) observe(method string, errp *error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues("service", b.slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("service", b.slot, method).Observe(timer.Duration().Seconds())
		if errp != nil && *errp != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("service", b.slot, method).Inc()
		}
	}
}
