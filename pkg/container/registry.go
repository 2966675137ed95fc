package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bunflare/pkg/log"
)

// registry tracks every Runtime that currently owns a live container, so
// the process can force-remove them all on shutdown regardless of which
// DO instance or generation started them. Writes are serialized, per
// spec.md's requirement that the global container registry is
// write-serialized.
type registry struct {
	mu      sync.Mutex
	runtime map[string]*Runtime
}

var globalRegistry = &registry{runtime: make(map[string]*Runtime)}

func (r *registry) register(name string, rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtime[name] = rt
}

func (r *registry) deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runtime, name)
}

// ForceRemoveAll stops and removes every currently tracked container. It
// is called from SIGINT/SIGTERM/exit handlers installed by the CLI
// entrypoint, so it tolerates partial failures and keeps going.
func ForceRemoveAll(ctx context.Context) {
	globalRegistry.mu.Lock()
	runtimes := make([]*Runtime, 0, len(globalRegistry.runtime))
	for _, rt := range globalRegistry.runtime {
		runtimes = append(runtimes, rt)
	}
	globalRegistry.mu.Unlock()

	for _, rt := range runtimes {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := rt.Stop(stopCtx); err != nil {
			log.Errorf(fmt.Sprintf("container: force-remove %s on shutdown", rt.name), err)
		}
		cancel()
	}
}

// ActiveCount reports how many containers are currently tracked, for
// tests and diagnostics.
func ActiveCount() int {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	return len(globalRegistry.runtime)
}
