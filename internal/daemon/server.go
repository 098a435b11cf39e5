// Package daemon exposes the agent core over HTTP: session CRUD, prompt
// runs, permission management, and live event streams.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/config"
	"github.com/haasonsaas/patchwork/internal/observability"
	"github.com/haasonsaas/patchwork/internal/policy"
	"github.com/haasonsaas/patchwork/internal/sessions"
)

// TransportFactory resolves a model id to a transport plus the provider
// name used for metrics. It fails with config.ErrMissingCredentials when
// no API key is available.
type TransportFactory func(model string) (agent.ModelTransport, string, error)

// Options wires the server's collaborators.
type Options struct {
	Config    *config.Config
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Store     sessions.Store
	Runtime   agent.ToolRuntime
	Broker    *approvals.Broker
	Transport TransportFactory

	Cwd     string
	DBPath  string
	LogPath string
}

// Server is the daemon HTTP server. It owns one store, one shared tool
// runtime, one approval broker, and the current policy value.
type Server struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	store     sessions.Store
	runtime   agent.ToolRuntime
	broker    *approvals.Broker
	transport TransportFactory

	cwd     string
	dbPath  string
	logPath string

	// policy is replaced wholesale on update; runs snapshot it at start.
	policy atomic.Value

	// cancels tracks the active run cancellation per session.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
	active   map[string]int

	http *http.Server
}

// New builds a server from options. The initial policy comes from the
// config's permission map.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if opts.Broker == nil {
		opts.Broker = approvals.NewBroker(time.Duration(opts.Config.PermissionTimeoutMs) * time.Millisecond)
	}

	initial, err := policy.Normalize(opts.Config.Permission)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       opts.Config,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		store:     opts.Store,
		runtime:   opts.Runtime,
		broker:    opts.Broker,
		transport: opts.Transport,
		cwd:       opts.Cwd,
		dbPath:    opts.DBPath,
		logPath:   opts.LogPath,
		cancels:   make(map[string]context.CancelFunc),
		active:    make(map[string]int),
	}
	s.policy.Store(initial)
	s.broker.OnCountChange(func(n int) {
		s.metrics.PendingApprovals.Set(float64(n))
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Daemon.Host, opts.Config.Daemon.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	mux.HandleFunc("GET /v1/permissions/rules", s.handleGetRules)
	mux.HandleFunc("POST /v1/permissions/rules", s.handleSetRules)

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("PATCH /v1/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/sessions/{id}/events/ws", s.handleEventWS)
	mux.HandleFunc("GET /v1/sessions/{id}/permissions", s.handleListPermissions)
	mux.HandleFunc("POST /v1/sessions/{id}/permissions/{requestId}/reply", s.handleReply)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("POST /v1/sessions/{id}/revert", s.handleRevert)

	return s.recoverMiddleware(s.metricsMiddleware(mux))
}

// Handler exposes the full route tree; used by tests via httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("daemon listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, cancels active runs, and closes the
// shared runtime and store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelMu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.cancelMu.Unlock()

	err := s.http.Shutdown(ctx)
	if s.runtime != nil {
		s.runtime.Close()
	}
	if storeErr := s.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}
	return err
}

// currentPolicy returns the live policy snapshot.
func (s *Server) currentPolicy() policy.Policy {
	return s.policy.Load().(policy.Policy)
}

// replacePolicy installs a new policy value (read-copy-update).
func (s *Server) replacePolicy(p policy.Policy) {
	s.policy.Store(p)
}

// ReloadPolicy normalizes and installs a new permission map; on error the
// current policy stays in effect.
func (s *Server) ReloadPolicy(raw map[string]any) error {
	normalized, err := policy.Normalize(raw)
	if err != nil {
		return err
	}
	s.replacePolicy(normalized)
	return nil
}

// registerRun tracks the cancellation handle for a session's active run.
// Later runs on the same session supersede the stored handle.
func (s *Server) registerRun(sessionID string, cancel context.CancelFunc) func() {
	s.cancelMu.Lock()
	s.cancels[sessionID] = cancel
	s.active[sessionID]++
	s.cancelMu.Unlock()

	return func() {
		s.cancelMu.Lock()
		s.active[sessionID]--
		if s.active[sessionID] <= 0 {
			delete(s.active, sessionID)
			delete(s.cancels, sessionID)
		}
		s.cancelMu.Unlock()
	}
}

func (s *Server) cancelRun(sessionID string) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[sessionID]
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) activeSessionIDs() []string {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(
			r.Method, r.URL.Path, strconv.Itoa(rec.status),
		).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming flushes through to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// instrumentedRuntime wraps the shared tool runtime with per-tool
// execution counters and latency.
type instrumentedRuntime struct {
	agent.ToolRuntime
	metrics *observability.Metrics
}

func (r *instrumentedRuntime) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	started := time.Now()
	result, err := r.ToolRuntime.Execute(ctx, name, args)
	r.metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	return result, err
}
