// Package server exposes the scheduler over HTTP: the ping endpoint external
// cron calls, plus status, manual execution and history queries.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/scheduler"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

// HostStatsSource supplies the host snapshot shown by the status endpoint
type HostStatsSource interface {
	Latest() *model.HostStats
}

// PingReportSource supplies the outcome of the latest in-process ping
type PingReportSource interface {
	LastReport() *scheduler.RunReport
}

// Options configures a Server
type Options struct {
	Addr string

	// APIKey, when set, must be sent as the X-API-Key header or the key
	// query parameter
	APIKey string

	// Disabled makes ping answer without running any task
	Disabled bool

	// PingTimeout bounds one ping pass when positive
	PingTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the scheduler API
type Server struct {
	logger   *zap.Logger
	registry *scheduler.Registry
	history  storage.TaskHistoryStorage
	host     HostStatsSource
	pings    PingReportSource
	opts     Options
	now      func() time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New creates a server. history and host may be nil.
func New(registry *scheduler.Registry, history storage.TaskHistoryStorage, host HostStatsSource, opts Options, logger *zap.Logger) *Server {
	return &Server{
		logger:   logger.Named("http"),
		registry: registry,
		history:  history,
		host:     host,
		opts:     opts,
		now:      time.Now,
	}
}

// SetPingReports makes status include the latest self ping. Call it before Start.
func (s *Server) SetPingReports(src PingReportSource) {
	s.pings = src
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /scheduler/ping", s.handlePing)
	mux.HandleFunc("GET /scheduler/status", s.handleStatus)
	mux.HandleFunc("GET /scheduler/tasks/{task_name}", s.handleTaskInfo)
	mux.HandleFunc("POST /scheduler/execute/{$}", s.handleExecute)
	mux.HandleFunc("POST /scheduler/execute/{task_name}", s.handleExecute)
	mux.HandleFunc("GET /scheduler/history", s.handleHistory)

	return s.logRequests(s.requireAPIKey(mux))
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.srv = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the listen address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.opts.APIKey == "" {
		return next
	}
	want := []byte(s.opts.APIKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, s.failure("Invalid API key", ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
