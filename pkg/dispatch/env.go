package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/bunflare/pkg/assets"
	"github.com/cuemby/bunflare/pkg/cache"
	"github.com/cuemby/bunflare/pkg/config"
	"github.com/cuemby/bunflare/pkg/container"
	"github.com/cuemby/bunflare/pkg/cron"
	"github.com/cuemby/bunflare/pkg/d1"
	"github.com/cuemby/bunflare/pkg/do"
	"github.com/cuemby/bunflare/pkg/execctx"
	"github.com/cuemby/bunflare/pkg/generation"
	"github.com/cuemby/bunflare/pkg/kv"
	"github.com/cuemby/bunflare/pkg/queue"
	"github.com/cuemby/bunflare/pkg/r2"
	"github.com/cuemby/bunflare/pkg/service"
	"github.com/cuemby/bunflare/pkg/storage"
	"github.com/cuemby/bunflare/pkg/tracing"
	"github.com/cuemby/bunflare/pkg/worker"
	"github.com/cuemby/bunflare/pkg/workflow"
)

const (
	reservedCaches         = "caches"
	reservedAssets         = "__assets__"
	reservedPullConsumers  = "__queue_pull_consumers__"
	reservedCronDispatcher = "__cron_dispatcher__"
)

// builtGraph is everything buildEnv produces: the slot→handle map the
// worker sees, plus the background workers and closers the generation
// owns. cronDispatcher and pullConsumers are kept unwrapped (by concrete
// type, not by *tracing.Handle) since the local HTTP surface calls them
// directly rather than through the worker's env.
type builtGraph struct {
	env           worker.Env
	cronDispatcher *cron.Dispatcher
	pullConsumers  map[string]*queue.PullConsumer
	pushConsumers  []*queue.PushConsumer
	closers        []func()
}

// buildEnv instantiates every binding named in cfg against store, wraps
// the KV, R2, D1, cache, assets and workflow bindings in a tracing.Handle
// (Durable Object namespaces, queue producers and service bindings are
// stored unwrapped, so calls on them record no span), and resolves the
// class registry (Durable Object, Workflow, and Service bindings) against
// module's named exports.
// It does not start background workers (consumers, cron) — callers start
// those once the graph and module are both ready, then record them on the
// Generation so a reload can stop them.
func buildEnv(cfg *config.Configuration, store *storage.Store, module worker.Module, tracer tracing.Tracer) (*builtGraph, error) {
	g := &builtGraph{env: make(worker.Env), pullConsumers: make(map[string]*queue.PullConsumer)}

	for _, b := range cfg.KVNamespaces {
		g.env[b.Binding] = tracing.Wrap(tracer, "kv", b.Binding, kv.New(store, b.ID, b.Binding))
	}

	for _, b := range cfg.R2Buckets {
		g.env[b.Binding] = tracing.Wrap(tracer, "r2", b.Binding, r2.New(store, b.BucketName, b.Binding, r2.DefaultLimits()))
	}

	for _, b := range cfg.D1Databases {
		name := b.DatabaseName
		if name == "" {
			name = b.DatabaseID
		}
		database, err := d1.Open(store, name)
		if err != nil {
			return nil, fmt.Errorf("dispatch: open d1 database %q: %w", name, err)
		}
		g.env[b.Binding] = tracing.Wrap(tracer, "d1", b.Binding, database)
		g.closers = append(g.closers, func() { database.Close() })
	}

	g.env[reservedCaches] = tracing.Wrap(tracer, "cache", reservedCaches, cache.New(store))

	if cfg.Assets != nil {
		resolver, err := assets.New(cfg.Assets.Directory, cfg.Assets.Binding,
			assets.HTMLHandling(cfg.Assets.HTMLHandling), assets.NotFoundHandling(cfg.Assets.NotFoundHandling))
		if err != nil {
			return nil, fmt.Errorf("dispatch: build assets resolver: %w", err)
		}
		if cfg.Assets.Binding != "" {
			g.env[cfg.Assets.Binding] = tracing.Wrap(tracer, "assets", cfg.Assets.Binding, resolver)
		}
		g.env[reservedAssets] = resolver // the static-asset-first routing path needs this even when unbound
	}

	if err := buildDurableObjects(cfg, store, module, g); err != nil {
		return nil, err
	}
	if err := buildWorkflows(cfg, store, module, tracer, g); err != nil {
		return nil, err
	}
	buildQueues(cfg, store, module, g)
	buildServices(cfg, module, g)

	if len(cfg.Triggers.Crons) > 0 {
		handler := func(ctx context.Context, controller *cron.Controller) error {
			return module.Scheduled(ctx, controller, g.env, execctx.New())
		}
		g.cronDispatcher = cron.NewDispatcher(cfg.Triggers.Crons, handler)
	}

	return g, nil
}

func buildDurableObjects(cfg *config.Configuration, store *storage.Store, module worker.Module, g *builtGraph) error {
	containersByClass := make(map[string]config.Container, len(cfg.Containers))
	for _, c := range cfg.Containers {
		containersByClass[c.ClassName] = c
	}

	for _, b := range cfg.DurableObjects.Bindings {
		export, ok := module.Export(b.ClassName)
		if !ok {
			return fmt.Errorf("dispatch: durable object binding %q: worker has no export %q", b.Binding, b.ClassName)
		}
		factory, ok := export.(do.Factory)
		if !ok {
			return fmt.Errorf("dispatch: durable object binding %q: export %q is not a Durable Object class", b.Binding, b.ClassName)
		}

		ns := do.NewNamespace(store, b.ClassName, b.Binding, factory)
		if c, ok := containersByClass[b.ClassName]; ok {
			containerCfg, err := containerConfigFrom(c)
			if err != nil {
				return fmt.Errorf("dispatch: container binding %q: %w", c.Binding, err)
			}
			ns = ns.WithContainer(containerCfg)
		}
		g.env[b.Binding] = ns
	}
	return nil
}

func containerConfigFrom(c config.Container) (container.Config, error) {
	sleepAfter := time.Duration(0)
	if c.SleepAfter != "" {
		d, err := container.ParseSleepAfter(c.SleepAfter)
		if err != nil {
			return container.Config{}, fmt.Errorf("parse sleep_after: %w", err)
		}
		sleepAfter = d
	}
	return container.Config{Image: c.Image, SleepAfter: sleepAfter}, nil
}

func buildWorkflows(cfg *config.Configuration, store *storage.Store, module worker.Module, tracer tracing.Tracer, g *builtGraph) error {
	for _, b := range cfg.Workflows {
		export, ok := module.Export(b.ClassName)
		if !ok {
			return fmt.Errorf("dispatch: workflow binding %q: worker has no export %q", b.Binding, b.ClassName)
		}
		fn, ok := export.(workflow.RunFunc)
		if !ok {
			return fmt.Errorf("dispatch: workflow binding %q: export %q is not a Workflow class", b.Binding, b.ClassName)
		}
		binding := workflow.New(store, b.Name, b.Binding, fn)
		g.env[b.Binding] = tracing.Wrap(tracer, "workflow", b.Binding, binding)
	}
	return nil
}

// buildQueues wires producer bindings, and for every queue named by either a
// producer or a consumer, a PullConsumer so the /__queues/<name>/messages
// HTTP surface works regardless of whether a worker also consumes it.
// Configured consumers additionally get a PushConsumer that dispatches
// batches into the worker's Queue handler.
func buildQueues(cfg *config.Configuration, store *storage.Store, module worker.Module, g *builtGraph) {
	known := make(map[string]bool)

	for _, p := range cfg.Queues.Producers {
		g.env[p.Binding] = queue.NewProducer(store, p.Queue, p.Binding, queue.DefaultLimits())
		known[p.Queue] = true
	}
	for _, c := range cfg.Queues.Consumers {
		known[c.Queue] = true

		handler := func(ctx context.Context, batch *queue.MessageBatch) error {
			return module.Queue(ctx, batch, g.env, execctx.New())
		}
		consumer := queue.NewPushConsumer(store, c.Queue, c.Queue, handler)
		if c.MaxBatchSize > 0 {
			consumer.BatchSize = c.MaxBatchSize
		}
		if c.MaxRetries > 0 {
			consumer.MaxRetries = c.MaxRetries
		}
		if c.DeadLetterQueue != "" {
			consumer.DeadLetterQueue = c.DeadLetterQueue
		}
		if c.MaxBatchTimeoutMs > 0 {
			consumer.PollInterval = time.Duration(c.MaxBatchTimeoutMs) * time.Millisecond
		}
		g.pushConsumers = append(g.pushConsumers, consumer)
	}

	for queueName := range known {
		g.pullConsumers[queueName] = queue.NewPullConsumer(store, queueName, queueName)
	}
}

// buildServices wires each service binding's Fetch/Call surface to this
// generation's own module: a local single-worker emulator has no other
// worker to discover, so every service binding resolves to a self-call.
func buildServices(cfg *config.Configuration, module worker.Module, g *builtGraph) {
	for _, s := range cfg.Services {
		binding := service.New(s.Binding, s.Entrypoint)
		binding.Wire(&service.Module{Default: &selfFetcher{module: module, env: g.env}}, g.env)
		g.env[s.Binding] = binding
	}
}

// selfFetcher adapts a worker.Module to service.Fetcher so a service
// binding can dispatch into the same generation's module. A fresh
// execution context is created per call, matching the per-invocation
// lifetime every other entrypoint uses.
type selfFetcher struct {
	module worker.Module
	env    worker.Env
}

func (f *selfFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f.module.Fetch(ctx, req, f.env, execctx.New())
}

// BuildGeneration returns a generation.Builder that loads the worker module
// named by cfg.Main through loader, builds its binding graph, and starts
// every background worker (queue consumers, the cron dispatcher) the
// configuration names. The returned Generation's Close stops all of them.
func BuildGeneration(loader worker.Loader, tracer tracing.Tracer, store *storage.Store) generation.Builder {
	return func(ctx context.Context, cfg *config.Configuration, id uint64) (*generation.Generation, error) {
		module, err := loader.Load(cfg.Main)
		if err != nil {
			return nil, fmt.Errorf("dispatch: load worker module %q: %w", cfg.Main, err)
		}

		g, err := buildEnv(cfg, store, module, tracer)
		if err != nil {
			return nil, err
		}

		// Stashed under reserved keys so the HTTP layer's local-only admin
		// routes (/__scheduled, /__queues/.../messages/pull|ack) can reach
		// them without widening the Generation type for dispatch-internal
		// plumbing the worker itself never sees.
		g.env[reservedPullConsumers] = g.pullConsumers
		if g.cronDispatcher != nil {
			g.env[reservedCronDispatcher] = g.cronDispatcher
		}

		// The process's first generation re-arms the Durable Object alarms
		// a previous process left persisted; later generations skip this so
		// a reload does not arm the same alarm twice.
		if id == 1 {
			for _, b := range cfg.DurableObjects.Bindings {
				if ns, ok := g.env[b.Binding].(*do.Namespace); ok {
					if err := ns.RescheduleAll(ctx); err != nil {
						return nil, fmt.Errorf("dispatch: reschedule alarms for %q: %w", b.Binding, err)
					}
				}
			}
		}

		for _, consumer := range g.pushConsumers {
			consumer.Start(ctx)
		}
		if g.cronDispatcher != nil {
			g.cronDispatcher.Start()
		}

		return &generation.Generation{
			Config: cfg,
			Module: module,
			Env:    g.env,
			Close: func() {
				for _, consumer := range g.pushConsumers {
					consumer.Stop()
				}
				if g.cronDispatcher != nil {
					g.cronDispatcher.Stop()
				}
				for _, closeFn := range g.closers {
					closeFn()
				}
			},
		}, nil
	}
}
