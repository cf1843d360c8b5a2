// Package api is the HTTP ingress: provider webhooks, health probes and metrics.
// It only enqueues jobs and never talks to the provisioning API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"recallbot/internal/config"
	"recallbot/internal/domain"
	"recallbot/internal/logging"
	"recallbot/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

// ReadinessFunc reports whether the process's dependencies are reachable.
type ReadinessFunc func(ctx context.Context) error

type HTTPServer struct {
	cfg        config.APIConfig
	jobs       domain.Enqueuer
	deliveries domain.DeliveryTracker
	validator  *SignatureValidator
	limiter    *rateLimiter
	ready      ReadinessFunc
	logger     *zerolog.Logger
	handler    http.Handler
	server     *http.Server
}

// NewHTTPServer wires the ingress routes. deliveries and ready may be nil.
func NewHTTPServer(
	cfg config.APIConfig,
	jobs domain.Enqueuer,
	deliveries domain.DeliveryTracker,
	ready ReadinessFunc,
	logger *zerolog.Logger,
) *HTTPServer {
	if cfg.Webhook.Tolerance <= 0 {
		cfg.Webhook.Tolerance = 5 * time.Minute
	}
	srv := &HTTPServer{
		cfg:        cfg,
		jobs:       jobs,
		deliveries: deliveries,
		validator:  NewSignatureValidator(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		limiter:    newRateLimiter(cfg.RateLimit),
		ready:      ready,
		logger:     logging.Component(logger, "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/calendar-sync", srv.handleCalendarSync)
	mux.HandleFunc("/webhooks/bot-status", srv.handleBotStatus)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/readyz", srv.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	srv.handler = srv.requestID(srv.loggingMiddleware(srv.rateLimit(mux)))
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Bool("signed", s.validator != nil).Msg("webhook ingress listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(endpointLabel(r.URL.Path), strconv.Itoa(recorder.status))
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		zerolog.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", clientKey(r)).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func endpointLabel(path string) string {
	switch path {
	case "/webhooks/calendar-sync", "/webhooks/bot-status", "/healthz", "/readyz", "/metrics":
		return path
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
