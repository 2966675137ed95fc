package worker

import (
	"context"
	"net/http"

	"github.com/cuemby/bunflare/pkg/cron"
	"github.com/cuemby/bunflare/pkg/execctx"
	"github.com/cuemby/bunflare/pkg/queue"
)

// Env is the binding graph handed to every worker invocation: a mapping
// from configuration slot name to binding handle. KV, R2, D1, cache, assets
// and workflow slots hold a *tracing.Handle over the binding; Durable
// Object, queue producer and service slots hold the binding package's own
// type (*do.Namespace, *queue.Producer, *service.Binding). Module
// implementations type-assert the slots they expect.
type Env map[string]any

// Slot looks up a binding by its configured slot name.
func (e Env) Slot(name string) (any, bool) {
	v, ok := e[name]
	return v, ok
}

// ClassExport is a named export resolved from a loaded module: a Durable
// Object class, a Workflow class, a Container class, or a service
// entrypoint class. Its shape is a reflect-dispatch target, the same
// calling convention pkg/do, pkg/workflow, pkg/service, and pkg/tracing
// already use for named-method invocation.
type ClassExport any

// Module is a loaded worker's default export: the three entrypoints the
// dispatch core calls directly, plus named-export resolution for the
// classes bindings late-bind to.
type Module interface {
	// Fetch handles one HTTP request against env.
	Fetch(ctx context.Context, req *http.Request, env Env, execCtx *execctx.Context) (*http.Response, error)

	// Scheduled handles one cron trigger.
	Scheduled(ctx context.Context, controller *cron.Controller, env Env, execCtx *execctx.Context) error

	// Queue handles one delivered message batch.
	Queue(ctx context.Context, batch *queue.MessageBatch, env Env, execCtx *execctx.Context) error

	// Export resolves a named export by class name, for late-binding
	// Durable Object, Workflow, Container, and service-entrypoint classes.
	Export(className string) (ClassExport, bool)
}

// Loader turns a worker's main entrypoint path into a loaded Module.
type Loader interface {
	Load(mainPath string) (Module, error)
}
