package container

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bunflare/pkg/health"
	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
)

// State is a container's lifecycle status.
type State string

const (
	StateStopped         State = "stopped"
	StateRunning         State = "running"
	StateHealthy         State = "healthy"
	StateStopping        State = "stopping"
	StateStoppedWithCode State = "stopped_with_code"
)

const (
	healthCheckInterval = 500 * time.Millisecond
	monitorInterval     = 2 * time.Second
	stopGracePeriod     = 10 * time.Second
)

// Config describes how a container should be started.
type Config struct {
	// Image is either an image reference or a path to a Dockerfile; a
	// Dockerfile path is built first, with the resulting image tagged
	// under the container's own name.
	Image string

	// Ports lists the container-internal ports to publish. Ports[0] is
	// the default port used for health checks and an unqualified Fetch.
	Ports []int

	Env        map[string]string
	Entrypoint []string
	Args       []string

	// Network is "" (default bridge) or "none" to disable networking.
	Network string

	// PingEndpoint is the HTTP path polled by the health-check loop.
	// Defaults to "/".
	PingEndpoint string

	// SleepAfter is the idle duration after which the runtime stops
	// itself if no fetch has been forwarded. Zero disables the timer.
	SleepAfter time.Duration

	// OnStop is invoked when the monitor observes the container exit,
	// whether the exit was caused by Stop or an external event.
	OnStop func(exitCode int)
}

// LifecycleState is a snapshot of a Runtime's current status.
type LifecycleState struct {
	Status     State
	LastChange time.Time
	ExitCode   *int
	Ports      map[int]int // container port -> host port
}

// Runtime owns one Docker container's lifecycle for a single DO instance.
type Runtime struct {
	name string
	cfg  Config

	docker       dockerClient
	httpClient   *http.Client
	allocatePort func() (int, error)

	mu    sync.Mutex
	state LifecycleState

	healthCancel  context.CancelFunc
	monitorCancel context.CancelFunc

	activityMu    sync.Mutex
	activityTimer *time.Timer

	done chan struct{} // closed once the monitor observes a terminal state
}

// New returns a Runtime that manages a container named after the DO
// instance it belongs to (slashes and other illegal name characters are
// sanitized), using the real docker CLI.
func New(name string, cfg Config) *Runtime {
	return newRuntime(name, cfg, newExecDockerClient())
}

func newRuntime(name string, cfg Config, docker dockerClient) *Runtime {
	if cfg.PingEndpoint == "" {
		cfg.PingEndpoint = "/"
	}
	return &Runtime{
		name:         name,
		cfg:          cfg,
		docker:       docker,
		httpClient:   &http.Client{Timeout: healthCheckInterval},
		allocatePort: allocatePort,
		state:        LifecycleState{Status: StateStopped, LastChange: time.Now(), Ports: map[int]int{}},
		done:         make(chan struct{}),
	}
}

func (r *Runtime) observe(method string, err error) func() {
	timer := metrics.NewTimer()
	return func() {
		metrics.BindingOpsTotal.WithLabelValues("container", r.name, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("container", r.name, method).Observe(timer.Duration().Seconds())
		if err != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("container", r.name, method).Inc()
		}
	}
}

func (r *Runtime) finish(method string, err error) error {
	r.observe(method, err)()
	return err
}

func (r *Runtime) setState(status State, exitCode *int) {
	r.mu.Lock()
	r.state.Status = status
	r.state.LastChange = time.Now()
	if exitCode != nil {
		r.state.ExitCode = exitCode
	}
	r.mu.Unlock()
	metrics.ContainerStateTransitions.WithLabelValues(string(status)).Inc()
}

// State returns a snapshot of the runtime's current lifecycle state.
func (r *Runtime) State() LifecycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state
	out.Ports = make(map[int]int, len(r.state.Ports))
	for k, v := range r.state.Ports {
		out.Ports[k] = v
	}
	return out
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitizeName(s string) string {
	return strings.Trim(nameSanitizer.ReplaceAllString(s, "-"), "-")
}

func (r *Runtime) containerName() string {
	return "bunflare-" + sanitizeName(r.name)
}

func isDockerfilePath(image string) bool {
	base := filepath.Base(image)
	return base == "Dockerfile" || strings.HasSuffix(base, ".Dockerfile")
}

func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("container: allocate host port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Start builds the image if needed, allocates a host port per configured
// container port, runs the container, and launches the health-check,
// monitor, and (if configured) activity-timeout loops.
func (r *Runtime) Start(ctx context.Context) (err error) {
	defer func() { err = r.finish("start", err) }()

	name := r.containerName()
	image := r.cfg.Image
	if isDockerfilePath(image) {
		tag := "bunflare-img-" + sanitizeName(r.name)
		if err := r.docker.Build(ctx, image, tag); err != nil {
			return err
		}
		image = tag
	}
	runCfg := r.cfg
	runCfg.Image = image

	ports := make(map[int]int, len(r.cfg.Ports))
	for _, containerPort := range r.cfg.Ports {
		hostPort, err := r.allocatePort()
		if err != nil {
			return err
		}
		ports[containerPort] = hostPort
	}

	if err := r.docker.Run(ctx, name, runCfg, ports); err != nil {
		r.setState(StateStopped, nil)
		return fmt.Errorf("container: start %s: %w", name, err)
	}

	r.mu.Lock()
	r.state.Ports = ports
	r.mu.Unlock()
	r.setState(StateRunning, nil)
	globalRegistry.register(name, r)

	r.startHealthLoop()
	r.startMonitorLoop()
	if r.cfg.SleepAfter > 0 {
		r.resetActivityTimer()
	}
	return nil
}

func (r *Runtime) defaultPort() (int, bool) {
	if len(r.cfg.Ports) == 0 {
		return 0, false
	}
	r.mu.Lock()
	hostPort, ok := r.state.Ports[r.cfg.Ports[0]]
	r.mu.Unlock()
	return hostPort, ok
}

func (r *Runtime) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	r.healthCancel = cancel
	hostPort, ok := r.defaultPort()
	if !ok {
		return
	}

	url := fmt.Sprintf("http://localhost:%d%s", hostPort, r.cfg.PingEndpoint)
	checker := health.NewHTTPChecker(url).WithTimeout(healthCheckInterval)
	checker.Client = r.httpClient
	cfg := health.DefaultConfig()
	cfg.Interval = healthCheckInterval
	cfg.Retries = 1
	status := health.NewStatus()

	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status.Update(checker.Check(ctx), cfg)
				if status.Healthy {
					r.setState(StateHealthy, nil)
					return
				}
			}
		}
	}()
}

func (r *Runtime) startMonitorLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	r.monitorCancel = cancel
	name := r.containerName()

	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := r.docker.Inspect(ctx, name)
				if err != nil {
					log.Errorf(fmt.Sprintf("container: inspect %s", name), err)
					continue
				}
				if st.Status == "exited" || st.Status == "dead" {
					r.observeTerminalState(ctx, st.ExitCode)
					return
				}
			}
		}
	}()
}

func (r *Runtime) observeTerminalState(ctx context.Context, exitCode int) {
	code := exitCode
	r.setState(StateStoppedWithCode, &code)
	if r.healthCancel != nil {
		r.healthCancel()
	}
	if err := r.docker.Remove(ctx, r.containerName()); err != nil {
		log.Errorf(fmt.Sprintf("container: remove %s after exit", r.containerName()), err)
	}
	globalRegistry.deregister(r.containerName())
	r.stopActivityTimer()
	if r.cfg.OnStop != nil {
		r.cfg.OnStop(exitCode)
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Done returns a channel closed once the container reaches a terminal
// state, resolving the "monitor promise" spec.md describes.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Stop transitions the runtime to stopping, asks docker to stop the
// container within a 10s grace period, then force-removes it.
func (r *Runtime) Stop(ctx context.Context) (err error) {
	defer func() { err = r.finish("stop", err) }()

	r.setState(StateStopping, nil)
	if r.healthCancel != nil {
		r.healthCancel()
	}
	if r.monitorCancel != nil {
		r.monitorCancel()
	}
	r.stopActivityTimer()

	name := r.containerName()
	stopErr := r.docker.Stop(ctx, name, stopGracePeriod)
	removeErr := r.docker.Remove(ctx, name)
	globalRegistry.deregister(name)
	r.setState(StateStopped, nil)
	select {
	case <-r.done:
	default:
		close(r.done)
	}

	if stopErr != nil {
		return fmt.Errorf("container: stop %s: %w", name, stopErr)
	}
	if removeErr != nil {
		return fmt.Errorf("container: remove %s: %w", name, removeErr)
	}
	return nil
}

func (r *Runtime) resetActivityTimer() {
	r.activityMu.Lock()
	defer r.activityMu.Unlock()
	if r.activityTimer != nil {
		r.activityTimer.Stop()
	}
	r.activityTimer = time.AfterFunc(r.cfg.SleepAfter, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod+time.Second)
		defer cancel()
		if err := r.Stop(stopCtx); err != nil {
			log.Errorf(fmt.Sprintf("container: activity-timeout stop %s", r.containerName()), err)
		}
	})
}

func (r *Runtime) stopActivityTimer() {
	r.activityMu.Lock()
	defer r.activityMu.Unlock()
	if r.activityTimer != nil {
		r.activityTimer.Stop()
	}
}

// Fetch forwards req to the container's published host port for
// containerPort, preserving method, headers, and body, and resets the
// activity timeout. containerPort must be one of the ports configured
// at construction.
func (r *Runtime) Fetch(ctx context.Context, req *http.Request, containerPort int) (resp *http.Response, err error) {
	defer func() { err = r.finish("fetch", err) }()

	r.mu.Lock()
	hostPort, ok := r.state.Ports[containerPort]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container: no published host port for container port %d", containerPort)
	}

	if r.cfg.SleepAfter > 0 {
		r.resetActivityTimer()
	}

	url := fmt.Sprintf("http://localhost:%d%s", hostPort, req.URL.RequestURI())
	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("container: build forwarded request: %w", err)
	}
	outReq.Header = req.Header.Clone()

	resp, err = http.DefaultClient.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("container: forward fetch: %w", err)
	}
	return resp, nil
}

// ParseSleepAfter parses the spec's sleepAfter forms: Go duration strings
// like "30s"/"5m"/"2h", or a bare number of seconds.
func ParseSleepAfter(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	seconds, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("container: invalid sleepAfter %q", s)
	}
	return time.Duration(seconds) * time.Second, nil
}
