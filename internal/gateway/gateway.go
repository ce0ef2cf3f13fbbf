// Package gateway exposes the HTTP API. Every response uses the
// {"code","message","data"} envelope; code 0 is success.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldriver/messagepusher/internal/errlog"
	"github.com/coldriver/messagepusher/internal/persistence"
	"github.com/coldriver/messagepusher/internal/queue"
	"github.com/coldriver/messagepusher/internal/shared"
	"github.com/coldriver/messagepusher/internal/telemetry"
)

// Stable app error taxonomy.
const (
	CodeOK       = 0
	CodeAuth     = 1001 // token missing/invalid/disabled/expired, ownership
	CodeParam    = 1002
	CodeChannel  = 1003 // channel not found or disabled
	CodeAI       = 1004 // ai channel not found or disabled
	CodeInternal = 1005
	CodeNotFound = 1006
)

type Config struct {
	Store   *persistence.Store
	Pool    *queue.Pool
	Ledger  *errlog.Ledger
	Logger  *slog.Logger
	Metrics *telemetry.Metrics // optional

	// BaseURL prefixes view links. Empty derives it from the request Host.
	BaseURL string
}

type Server struct {
	store   *persistence.Store
	pool    *queue.Pool
	ledger  *errlog.Ledger
	logger  *slog.Logger
	metrics *telemetry.Metrics
	baseURL string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:   cfg.Store,
		pool:    cfg.Pool,
		ledger:  cfg.Ledger,
		logger:  cfg.Logger.With("component", "gateway"),
		metrics: cfg.Metrics,
		baseURL: cfg.BaseURL,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/push", s.instrument("/api/v1/push", s.handlePush))
	mux.HandleFunc("/api/v1/message/", s.instrument("/api/v1/message", s.handleMessage))
	mux.HandleFunc("/view/", s.instrument("/view", s.handleView))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (s *Server) writeEnvelope(w http.ResponseWriter, httpStatus, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(envelope{Code: code, Message: message, Data: data}); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.writeEnvelope(w, http.StatusOK, CodeOK, "success", data)
}

func (s *Server) fail(w http.ResponseWriter, httpStatus, code int, message string) {
	s.writeEnvelope(w, httpStatus, code, message, nil)
}

// instrument wraps a handler with request id, metrics, and panic recovery.
// A panicking handler answers 1005 instead of killing the connection.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := shared.WithRequestID(r.Context(), shared.NewRequestID())
		r = r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				msg := fmt.Sprintf("handler panic: %v", p)
				s.logger.Error("request panicked", "path", path, "panic", p, "request_id", shared.RequestID(ctx))
				if s.ledger != nil {
					s.ledger.Record(errlog.TypeGateway, msg, errlog.SeverityHigh, map[string]string{"path": path})
				}
				s.fail(rec, http.StatusInternalServerError, CodeInternal, "internal error")
			}
			if s.metrics != nil {
				code := strconv.Itoa(rec.status)
				s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, code).Inc()
				s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}
		}()
		next(rec, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.written {
		return
	}
	r.written = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping(r.Context()) == nil
	depth, _ := s.pool.Stats()

	status := "ok"
	httpStatus := http.StatusOK
	if !dbOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"db":          dbOK,
		"queue_depth": depth,
	})
}

// viewURL builds the public link for a message.
func (s *Server) viewURL(r *http.Request, viewToken string) string {
	base := s.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/view/" + viewToken
}
