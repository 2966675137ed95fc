package do

import (
	"context"
	"sync"
)

// readiness is a single shared "instance is ready" signal. A fresh
// readiness starts already-resolved; blockConcurrencyWhile installs a new,
// pending one that later calls replace. All waiters always observe the
// latest installed readiness, matching the single-shared-promise contract.
type readiness struct {
	mu  sync.Mutex
	ch  chan struct{}
	err error
}

func newReadiness() *readiness {
	ch := make(chan struct{})
	close(ch)
	return &readiness{ch: ch}
}

// wait blocks until the current readiness resolves or ctx is done. If the
// readiness it waited on has been replaced by the time it resolves, wait
// goes on to wait on the replacement, so every waiter ends on the latest.
func (r *readiness) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		ch := r.ch
		r.mu.Unlock()

		select {
		case <-ch:
			r.mu.Lock()
			current, err := r.ch, r.err
			r.mu.Unlock()
			if current != ch {
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reset installs a new pending readiness and returns a resolver that
// settles it. Calls already waiting on a previous readiness move on to the
// new one (see wait); new calls observe the new readiness immediately.
func (r *readiness) reset() func(error) {
	newCh := make(chan struct{})
	r.mu.Lock()
	r.ch = newCh
	r.err = nil
	r.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			close(newCh)
		})
	}
}
