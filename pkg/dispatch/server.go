package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/bunflare/pkg/execctx"
	"github.com/cuemby/bunflare/pkg/generation"
	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/queue"
)

// Server answers HTTP traffic against whichever generation is currently
// active, plus the local-only admin routes spec.md documents for manually
// firing scheduled triggers and draining pull-based queues.
type Server struct {
	manager *generation.Manager
	mux     *http.ServeMux
}

// NewServer wires the fetch path and the admin routes against manager.
func NewServer(manager *generation.Manager) *Server {
	s := &Server{manager: manager, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /__scheduled", s.handleScheduled)
	s.mux.HandleFunc("POST /__queues/{name}/messages/pull", s.handleQueuePull)
	s.mux.HandleFunc("POST /__queues/{name}/messages/ack", s.handleQueueAck)
	s.mux.HandleFunc("/", s.handleFetch)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start runs the server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) current() *generation.Generation {
	return s.manager.Current()
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	gen := s.current()
	if gen == nil {
		http.Error(w, "no active generation", http.StatusServiceUnavailable)
		return
	}

	timer := metrics.NewTimer()
	execCtx := execctx.New()

	resp, err := gen.Module.Fetch(r.Context(), r, gen.Env, execCtx)
	execCtx.AwaitAll(r.Context())

	statusClass := "5xx"
	defer func() {
		metrics.RequestsTotal.WithLabelValues(statusClass).Inc()
		metrics.RequestDuration.Observe(timer.Duration().Seconds())
	}()

	if err != nil {
		log.Errorf("dispatch: fetch handler failed", err)
		writeErrorPage(w, r, gen, err)
		return
	}
	defer resp.Body.Close()

	statusClass = strconv.Itoa(resp.StatusCode/100) + "xx"
	copyResponse(w, resp)
}

// handleScheduled implements the manual /__scheduled?cron=<expr> surface:
// it synthesizes a Controller and invokes the worker's Scheduled handler
// directly, bypassing the tick loop.
func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	gen := s.current()
	if gen == nil {
		http.Error(w, "no active generation", http.StatusServiceUnavailable)
		return
	}

	dispatcher, ok := gen.Env.Slot(reservedCronDispatcher)
	d, assertOK := dispatcher.(interface {
		DispatchNow(ctx context.Context, cron string) error
	})
	if !ok || !assertOK {
		http.Error(w, "no scheduled triggers configured", http.StatusNotFound)
		return
	}

	cronExpr := r.URL.Query().Get("cron")
	if cronExpr == "" {
		http.Error(w, "missing cron query parameter", http.StatusBadRequest)
		return
	}

	if err := d.DispatchNow(r.Context(), cronExpr); err != nil {
		log.Errorf("dispatch: scheduled handler failed", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) pullConsumer(name string) (*queue.PullConsumer, bool) {
	gen := s.current()
	if gen == nil {
		return nil, false
	}
	raw, ok := gen.Env.Slot(reservedPullConsumers)
	if !ok {
		return nil, false
	}
	consumers, ok := raw.(map[string]*queue.PullConsumer)
	if !ok {
		return nil, false
	}
	c, ok := consumers[name]
	return c, ok
}

type pullRequest struct {
	BatchSize          int `json:"batch_size"`
	VisibilityTimeoutMs int `json:"visibility_timeout_ms"`
}

type pulledMessageDTO struct {
	LeaseID     string `json:"lease_id"`
	ID          string `json:"id"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	Attempts    int    `json:"attempts"`
}

func (s *Server) handleQueuePull(w http.ResponseWriter, r *http.Request) {
	consumer, ok := s.pullConsumer(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	var req pullRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 10
	}
	visibilityTimeout := time.Duration(req.VisibilityTimeoutMs) * time.Millisecond
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}

	messages, err := consumer.Pull(r.Context(), req.BatchSize, visibilityTimeout)
	if err != nil {
		log.Errorf("dispatch: queue pull failed", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]pulledMessageDTO, len(messages))
	for i, m := range messages {
		out[i] = pulledMessageDTO{
			LeaseID:     m.LeaseID,
			ID:          m.ID,
			Body:        string(m.Body),
			ContentType: string(m.ContentType),
			Attempts:    m.Attempts,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []pulledMessageDTO `json:"messages"`
	}{Messages: out})
}

type ackRetryDTO struct {
	LeaseID      string `json:"leaseId"`
	DelaySeconds int    `json:"delaySeconds"`
}

type ackRequest struct {
	Acks    []string      `json:"acks"`
	Retries []ackRetryDTO `json:"retries"`
}

func (s *Server) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	consumer, ok := s.pullConsumer(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	retries := make([]queue.RetryLease, len(req.Retries))
	for i, retry := range req.Retries {
		retries[i] = queue.RetryLease{LeaseID: retry.LeaseID, DelaySeconds: retry.DelaySeconds}
	}

	if err := consumer.Ack(r.Context(), req.Acks, retries); err != nil {
		log.Errorf("dispatch: queue ack failed", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
