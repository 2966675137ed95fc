package execctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/bunflare/pkg/log"
)

// Context is a fresh per-invocation scope created by the dispatch core
// for each fetch/scheduled/queue call, tracking background work
// registered via WaitUntil.
type Context struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	pending int
}

// New returns an empty Context.
func New() *Context {
	return &Context{}
}

// WaitUntil registers fn as background work the dispatcher should await
// (best-effort) before finalizing the invocation. fn's error, if any, is
// logged and never propagated to the caller — matching "rejections are
// logged, never propagated."
func (c *Context) WaitUntil(fn func() error) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("execctx: waitUntil task panicked", fmt.Errorf("%v", r))
			}
		}()
		if err := fn(); err != nil {
			log.Errorf("execctx: waitUntil task failed", err)
		}
	}()
}

// PassThroughOnException is a no-op locally: there is no edge fallback
// to defer to, so calling it changes nothing.
func (c *Context) PassThroughOnException() {}

// Pending reports how many WaitUntil tasks have been registered, for
// diagnostics and tests.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// AwaitAll blocks until every registered WaitUntil task has settled, or
// ctx is done, whichever comes first. Tasks that are still running when
// ctx is done keep running in the background; AwaitAll simply stops
// waiting for them, matching "best-effort" rather than cancelling
// in-flight work.
func (c *Context) AwaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
