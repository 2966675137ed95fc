package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/config"
	"github.com/cuemby/bunflare/pkg/cron"
	"github.com/cuemby/bunflare/pkg/do"
	"github.com/cuemby/bunflare/pkg/execctx"
	"github.com/cuemby/bunflare/pkg/generation"
	"github.com/cuemby/bunflare/pkg/queue"
	"github.com/cuemby/bunflare/pkg/storage"
	"github.com/cuemby/bunflare/pkg/tracing"
	"github.com/cuemby/bunflare/pkg/worker"
)

type fakeModule struct {
	fetch     func(ctx context.Context, req *http.Request, env worker.Env, execCtx *execctx.Context) (*http.Response, error)
	scheduled func(ctx context.Context, controller *cron.Controller, env worker.Env, execCtx *execctx.Context) error
	exports   map[string]worker.ClassExport
}

func (m *fakeModule) Fetch(ctx context.Context, req *http.Request, env worker.Env, execCtx *execctx.Context) (*http.Response, error) {
	if m.fetch != nil {
		return m.fetch(ctx, req, env, execCtx)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
}

func (m *fakeModule) Scheduled(ctx context.Context, controller *cron.Controller, env worker.Env, execCtx *execctx.Context) error {
	if m.scheduled != nil {
		return m.scheduled(ctx, controller, env, execCtx)
	}
	return nil
}

func (m *fakeModule) Queue(ctx context.Context, batch *queue.MessageBatch, env worker.Env, execCtx *execctx.Context) error {
	batch.AckAll()
	return nil
}

func (m *fakeModule) Export(className string) (worker.ClassExport, bool) {
	export, ok := m.exports[className]
	return export, ok
}

type fakeLoader struct{ module worker.Module }

func (l *fakeLoader) Load(mainPath string) (worker.Module, error) { return l.module, nil }

type echoInstance struct{ state *do.State }

func (e *echoInstance) Echo(ctx context.Context, s string) string { return s }

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildEnvWiresConfiguredBindings(t *testing.T) {
	store := newTestStore(t)
	module := &fakeModule{
		exports: map[string]worker.ClassExport{
			"Counter": do.Factory(func(state *do.State) any { return &echoInstance{state: state} }),
		},
	}

	cfg := &config.Configuration{
		Name: "demo",
		Main: "src/index.js",
		KVNamespaces: []config.KVNamespace{{Binding: "KV", ID: "kv-1"}},
		R2Buckets:    []config.R2Bucket{{Binding: "BUCKET", BucketName: "bucket-1"}},
		DurableObjects: config.DurableObjects{
			Bindings: []config.DurableObjectBinding{{Binding: "COUNTER", ClassName: "Counter"}},
		},
		Queues: config.Queues{
			Producers: []config.QueueProducer{{Binding: "QUEUE", Queue: "jobs"}},
		},
	}

	g, err := buildEnv(cfg, store, module, tracing.NoopTracer{})
	require.NoError(t, err)

	require.Contains(t, g.env, "KV")
	require.Contains(t, g.env, "BUCKET")
	require.Contains(t, g.env, "COUNTER")
	require.Contains(t, g.env, "QUEUE")
	require.Contains(t, g.env, reservedCaches)
	require.Contains(t, g.pullConsumers, "jobs")
}

func TestBuildEnvRejectsMissingExport(t *testing.T) {
	store := newTestStore(t)
	module := &fakeModule{exports: map[string]worker.ClassExport{}}

	cfg := &config.Configuration{
		Name: "demo",
		Main: "src/index.js",
		DurableObjects: config.DurableObjects{
			Bindings: []config.DurableObjectBinding{{Binding: "COUNTER", ClassName: "Counter"}},
		},
	}

	_, err := buildEnv(cfg, store, module, tracing.NoopTracer{})
	require.Error(t, err)
}

func writeBuildConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "bunflare.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"demo","main":"src/index.js"}`), 0o644))
	return path
}

func TestServerFetchDispatchesToActiveGeneration(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	configPath := writeBuildConfig(t, dir)

	module := &fakeModule{
		fetch: func(ctx context.Context, req *http.Request, env worker.Env, execCtx *execctx.Context) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody, Header: http.Header{}}, nil
		},
	}

	manager := generation.New(configPath, "", BuildGeneration(&fakeLoader{module: module}, tracing.NoopTracer{}, store))
	require.NoError(t, manager.Reload(context.Background()))

	server := NewServer(manager)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServerFetchRendersErrorPageOnFailure(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	configPath := writeBuildConfig(t, dir)

	module := &fakeModule{
		fetch: func(ctx context.Context, req *http.Request, env worker.Env, execCtx *execctx.Context) (*http.Response, error) {
			return nil, require.AnError
		},
	}

	manager := generation.New(configPath, "", BuildGeneration(&fakeLoader{module: module}, tracing.NoopTracer{}, store))
	require.NoError(t, manager.Reload(context.Background()))

	server := NewServer(manager)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "<html>")
}

func TestServerScheduledDispatchesManually(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	configPath := writeBuildConfig(t, dir)

	fired := make(chan string, 1)
	module := &fakeModule{
		scheduled: func(ctx context.Context, controller *cron.Controller, env worker.Env, execCtx *execctx.Context) error {
			fired <- controller.Cron
			return nil
		},
	}

	manager := generation.New(configPath, "", func(ctx context.Context, cfg *config.Configuration, id uint64) (*generation.Generation, error) {
		cfg.Triggers.Crons = []string{"* * * * *"}
		return BuildGeneration(&fakeLoader{module: module}, tracing.NoopTracer{}, store)(ctx, cfg, id)
	})
	require.NoError(t, manager.Reload(context.Background()))
	defer manager.Current().Close()

	server := NewServer(manager)
	req := httptest.NewRequest(http.MethodGet, "/__scheduled?cron=*+*+*+*+*", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "* * * * *", <-fired)
}

func TestServerQueuePull(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	configPath := writeBuildConfig(t, dir)
	module := &fakeModule{}

	manager := generation.New(configPath, "", func(ctx context.Context, cfg *config.Configuration, id uint64) (*generation.Generation, error) {
		cfg.Queues.Producers = []config.QueueProducer{{Binding: "QUEUE", Queue: "jobs"}}
		return BuildGeneration(&fakeLoader{module: module}, tracing.NoopTracer{}, store)(ctx, cfg, id)
	})
	require.NoError(t, manager.Reload(context.Background()))

	producer, ok := manager.Current().Env.Slot("QUEUE")
	require.True(t, ok)
	p := producer.(*queue.Producer)
	require.NoError(t, p.Send(context.Background(), map[string]string{"hello": "world"}, queue.SendOptions{ContentType: queue.JSON}))

	server := NewServer(manager)

	pullReq := httptest.NewRequest(http.MethodPost, "/__queues/jobs/messages/pull", nil)
	pullRec := httptest.NewRecorder()
	server.ServeHTTP(pullRec, pullReq)
	require.Equal(t, http.StatusOK, pullRec.Code)
	require.Contains(t, pullRec.Body.String(), "hello")
}

func TestServerUnknownQueueReturns404(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	configPath := writeBuildConfig(t, dir)
	module := &fakeModule{}

	manager := generation.New(configPath, "", BuildGeneration(&fakeLoader{module: module}, tracing.NoopTracer{}, store))
	require.NoError(t, manager.Reload(context.Background()))

	server := NewServer(manager)
	req := httptest.NewRequest(http.MethodPost, "/__queues/ghost/messages/pull", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
