package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu        sync.Mutex
	ran       bool
	built     bool
	inspected int
	stopped   bool
	removed   bool

	inspectResult inspectState
	inspectErr    error
}

func (f *fakeDocker) Build(ctx context.Context, dockerfile, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = true
	return nil
}

func (f *fakeDocker) Run(ctx context.Context, name string, cfg Config, ports map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = true
	return nil
}

func (f *fakeDocker) Inspect(ctx context.Context, name string) (inspectState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspected++
	return f.inspectResult, f.inspectErr
}

func (f *fakeDocker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeDocker) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func fakePort(t *testing.T, server *httptest.Server) func() (int, error) {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return func() (int, error) { return port, nil }
}

func TestStartRunsContainerAndBecomesHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("test-instance", Config{Image: "demo:latest", Ports: []int{8080}}, docker)
	rt.allocatePort = fakePort(t, server)
	defer rt.Stop(context.Background())

	require.NoError(t, rt.Start(context.Background()))
	require.True(t, docker.ran)
	require.Equal(t, StateRunning, rt.State().Status)

	require.Eventually(t, func() bool {
		return rt.State().Status == StateHealthy
	}, 2*time.Second, 25*time.Millisecond)
}

func TestMonitorObservesExitAndRunsOnStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var stoppedCode int
	stoppedCh := make(chan struct{})
	docker := &fakeDocker{inspectResult: inspectState{Running: false, Status: "exited", ExitCode: 7}}
	rt := newRuntime("exit-test", Config{
		Image: "demo:latest",
		Ports: []int{8080},
		OnStop: func(code int) {
			stoppedCode = code
			close(stoppedCh)
		},
	}, docker)
	rt.allocatePort = fakePort(t, server)

	require.NoError(t, rt.Start(context.Background()))

	select {
	case <-stoppedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("onStop was not called")
	}

	require.Equal(t, StateStoppedWithCode, rt.State().Status)
	require.Equal(t, 7, stoppedCode)
	require.True(t, docker.removed)
}

func TestStopRemovesContainerAndClosesDone(t *testing.T) {
	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("stop-test", Config{Image: "demo:latest", Ports: []int{9090}}, docker)
	rt.allocatePort = func() (int, error) { return 19090, nil }

	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	require.True(t, docker.stopped)
	require.True(t, docker.removed)
	require.Equal(t, StateStopped, rt.State().Status)

	select {
	case <-rt.Done():
	default:
		t.Fatal("Done channel should be closed after Stop")
	}
}

func TestFetchForwardsToAllocatedHostPort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/hello", r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("fetch-test", Config{Image: "demo:latest", Ports: []int{8080}}, docker)
	rt.allocatePort = fakePort(t, server)
	defer rt.Stop(context.Background())

	require.NoError(t, rt.Start(context.Background()))

	req, err := http.NewRequest(http.MethodGet, "http://ignored/hello", nil)
	require.NoError(t, err)
	resp, err := rt.Fetch(context.Background(), req, 8080)
	require.NoError(t, err)
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestFetchFailsForUnknownPort(t *testing.T) {
	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("bad-port-test", Config{Image: "demo:latest", Ports: []int{8080}}, docker)
	rt.allocatePort = func() (int, error) { return 18080, nil }
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop(context.Background())

	req, err := http.NewRequest(http.MethodGet, "http://ignored/", nil)
	require.NoError(t, err)
	_, err = rt.Fetch(context.Background(), req, 9999)
	require.Error(t, err)
}

func TestParseSleepAfterAcceptsDurationAndBareSeconds(t *testing.T) {
	d, err := ParseSleepAfter("30s")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = ParseSleepAfter("5m")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = ParseSleepAfter("120")
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, d)

	_, err = ParseSleepAfter("not-a-duration")
	require.Error(t, err)
}

func TestActivityTimeoutStopsIdleContainer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("idle-test", Config{
		Image:      "demo:latest",
		Ports:      []int{8080},
		SleepAfter: 50 * time.Millisecond,
	}, docker)
	rt.allocatePort = fakePort(t, server)

	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rt.State().Status == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, docker.stopped)
}

func TestFetchResetsActivityTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	docker := &fakeDocker{inspectResult: inspectState{Running: true, Status: "running"}}
	rt := newRuntime("idle-reset-test", Config{
		Image:      "demo:latest",
		Ports:      []int{8080},
		SleepAfter: 200 * time.Millisecond,
	}, docker)
	rt.allocatePort = fakePort(t, server)
	defer rt.Stop(context.Background())

	require.NoError(t, rt.Start(context.Background()))

	deadline := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, "http://ignored/", nil)
		require.NoError(t, err)
		_, err = rt.Fetch(context.Background(), req, 8080)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}
	require.NotEqual(t, StateStopped, rt.State().Status)
}

func TestIsDockerfilePathDetection(t *testing.T) {
	require.True(t, isDockerfilePath("./service/Dockerfile"))
	require.True(t, isDockerfilePath("./service/worker.Dockerfile"))
	require.False(t, isDockerfilePath("nginx:latest"))
}

func TestSanitizeNameStripsIllegalCharacters(t *testing.T) {
	require.Equal(t, "my-image-1.0", sanitizeName("my/image:1.0"))
}
