package cron

import (
	"context"
	"time"

	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
)

// Matches reports whether d's (minute, hour, day-of-month, month,
// day-of-week) all satisfy e.
func (e Expr) Matches(d time.Time) bool {
	return e.minute[d.Minute()] &&
		e.hour[d.Hour()] &&
		e.dom[d.Day()] &&
		e.month[int(d.Month())] &&
		e.dow[int(d.Weekday())]
}

// Controller is handed to the worker's scheduled handler.
type Controller struct {
	ScheduledTime time.Time
	Cron          string
	Type          string

	noRetryCalled bool
}

// NoRetry records that the handler declined automatic retry of this
// invocation. Local dev has no retry queue backing scheduled triggers; this
// exists so caller code written against the real binding's shape compiles
// and runs without special-casing dev mode.
func (c *Controller) NoRetry() {
	c.noRetryCalled = true
}

// Handler invokes the worker's scheduled entrypoint.
type Handler func(ctx context.Context, controller *Controller) error

// Dispatcher ticks once a minute (aligned to the top of the minute where
// possible) and fires Handler for every configured expression that matches.
type Dispatcher struct {
	exprs   map[string]Expr
	handler Handler

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher returns a dispatcher for the given set of cron expressions.
// Malformed expressions are dropped with a logged warning rather than
// failing the whole set, since scheduled triggers are independent of one
// another.
func NewDispatcher(crons []string, handler Handler) *Dispatcher {
	exprs := make(map[string]Expr, len(crons))
	for _, raw := range crons {
		expr, err := Parse(raw)
		if err != nil {
			log.WithComponent("cron").Warn().Err(err).Str("cron", raw).Msg("dropping unparseable cron expression")
			continue
		}
		exprs[raw] = expr
	}
	return &Dispatcher{exprs: exprs, handler: handler, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start launches the one-minute tick loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop cancels the tick loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// DispatchNow synthesizes a controller for cron and invokes the handler
// directly, for the manual /__scheduled?cron=<expr> surface. It does not
// require cron to be one of the configured expressions.
func (d *Dispatcher) DispatchNow(ctx context.Context, cron string) error {
	now := time.Now()
	controller := &Controller{ScheduledTime: now, Cron: cron, Type: "scheduled"}
	metrics.CronDispatchesTotal.WithLabelValues(cron).Inc()
	return d.handler(ctx, controller)
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	// Align the first tick to the top of the next minute.
	now := time.Now()
	firstDelay := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			d.tick(time.Now())
			timer.Reset(time.Minute)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) tick(now time.Time) {
	logger := log.WithComponent("cron")
	for raw, expr := range d.exprs {
		if !expr.Matches(now) {
			continue
		}
		// Fire-and-forget: a slow handler must not block the next tick.
		go func(raw string) {
			controller := &Controller{ScheduledTime: now, Cron: raw, Type: "scheduled"}
			metrics.CronDispatchesTotal.WithLabelValues(raw).Inc()
			if err := d.handler(context.Background(), controller); err != nil {
				logger.Error().Err(err).Str("cron", raw).Msg("scheduled handler failed")
			}
		}(raw)
	}
}
