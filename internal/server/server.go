// Package server exposes the runtime over HTTP: the SSE streaming
// endpoint, session and agent control endpoints, and observability.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// Version is stamped by the build; surfaced on /health.
var Version = "dev"

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP boundary of the runtime.
type Server struct {
	config       Config
	orchestrator *orchestrator.Service
	sessions     *sessions.Service
	registry     *agents.Registry
	validator    auth.Validator
	services     *auth.ServiceTokens
	limiter      *ratelimit.Limiter
	metrics      *observability.Metrics
	sessionUsage *events.SessionMetricsCollector
	logger       *observability.Logger

	httpServer *http.Server
}

// New assembles the server. validator may be nil to disable auth.
func New(
	config Config,
	orch *orchestrator.Service,
	sessionSvc *sessions.Service,
	registry *agents.Registry,
	validator auth.Validator,
	limiter *ratelimit.Limiter,
	metrics *observability.Metrics,
	sessionUsage *events.SessionMetricsCollector,
	logger *observability.Logger,
) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		config:       config,
		orchestrator: orch,
		sessions:     sessionSvc,
		registry:     registry,
		validator:    validator,
		limiter:      limiter,
		metrics:      metrics,
		sessionUsage: sessionUsage,
		logger:       logger,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	bearer := auth.Middleware(s.validator)
	authed := func(next http.Handler) http.Handler {
		withBearer := bearer(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Internal cross-service calls present the shared-secret
			// header instead of a user bearer token.
			if s.services != nil {
				if token := r.Header.Get(auth.ServiceHeader); token != "" {
					if service, err := s.services.Verify(token); err == nil {
						ctx := auth.WithUser(r.Context(), &models.User{ID: "svc:" + service, Name: service})
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
				}
			}
			withBearer.ServeHTTP(w, r)
		})
	}

	mux.Handle("POST /api/v1/messages/stream", authed(http.HandlerFunc(s.handleStream)))

	mux.Handle("POST /sessions", authed(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /sessions", authed(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /sessions/{id}", authed(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("DELETE /sessions/{id}", authed(http.HandlerFunc(s.handleDeleteSession)))

	mux.Handle("GET /agents", authed(http.HandlerFunc(s.handleListAgents)))
	mux.Handle("GET /agents/{session_id}/current", authed(http.HandlerFunc(s.handleCurrentAgent)))
	mux.Handle("POST /agents/{session_id}/switch", authed(http.HandlerFunc(s.handleSwitchAgent)))

	mux.Handle("GET /events/metrics", authed(http.HandlerFunc(s.handleEventMetrics)))
	mux.Handle("GET /events/metrics/session/{id}", authed(http.HandlerFunc(s.handleSessionMetrics)))

	return s.rateLimit(s.instrument(mux))
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info(ctx, "http server started", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// SetServiceTokens enables the shared-secret header for internal
// cross-service calls. Requests with a valid token bypass bearer auth.
func (s *Server) SetServiceTokens(tokens *auth.ServiceTokens) {
	s.services = tokens
}

// rateLimit enforces the per-client quota, keyed by remote IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			retry := s.limiter.RetryAfter(host)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request quota exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request latency metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).
			Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics, passing
// Flush through for SSE.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]string{"error": kind, "detail": detail})
}
