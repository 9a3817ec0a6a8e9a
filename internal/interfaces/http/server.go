package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/application"
	"github.com/sawpanic/policyvault/internal/interfaces/http/handlers"
	"github.com/sawpanic/policyvault/internal/net/ratelimit"
)

// Server represents the vault HTTP API
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	metrics  *MetricsRegistry
	stream   *EventStream
	limiter  *ratelimit.Limiter
	config   ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// NewServer creates a new HTTP server instance. limiter may be nil.
func NewServer(config ServerConfig, h *handlers.Handlers, metrics *MetricsRegistry, stream *EventStream, limiter *ratelimit.Limiter) *Server {
	if metrics == nil {
		metrics = NewMetricsRegistry()
	}
	if stream == nil {
		stream = NewEventStream(0)
	}
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		metrics:  metrics,
		stream:   stream,
		limiter:  limiter,
		config:   config,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.GetAddress(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	s.router.Handle("/metrics", s.metrics.MetricsHandler()).Methods(http.MethodGet)
	s.router.Handle("/v1/events/stream", s.stream).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	h := s.handlers
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api.HandleFunc("/v1/constraints", h.ListConstraints).Methods(http.MethodGet)
	api.HandleFunc("/v1/constraints", h.AddConstraint).Methods(http.MethodPost)
	api.HandleFunc("/v1/constraints/{id}", h.GetConstraint).Methods(http.MethodGet)
	api.HandleFunc("/v1/constraints/{id}", h.UpdateConstraint).Methods(http.MethodPut)
	api.HandleFunc("/v1/constraints/{id}/deactivate", h.DeactivateConstraint).Methods(http.MethodPost)

	api.HandleFunc("/v1/portfolio", h.GetPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/v1/portfolio", h.UpdatePortfolio).Methods(http.MethodPut)
	api.HandleFunc("/v1/portfolio/exposures/{asset}", h.UpdateExposure).Methods(http.MethodPut)
	api.HandleFunc("/v1/policy/evaluation", h.Evaluation).Methods(http.MethodGet)

	api.HandleFunc("/v1/vault", h.GetVault).Methods(http.MethodGet)
	api.HandleFunc("/v1/vault/total-assets", h.UpdateTotalAssets).Methods(http.MethodPut)
	for _, op := range []string{
		application.PreviewDeposit,
		application.PreviewMint,
		application.PreviewWithdraw,
		application.PreviewRedeem,
	} {
		api.HandleFunc("/v1/vault/"+op, h.Movement(op)).Methods(http.MethodPost)
	}
	api.HandleFunc("/v1/vault/rebalance/start", h.StartRebalancing).Methods(http.MethodPost)
	api.HandleFunc("/v1/vault/rebalance/complete", h.CompleteRebalancing).Methods(http.MethodPost)
	api.HandleFunc("/v1/vault/rebalance/abort", h.AbortRebalancing).Methods(http.MethodPost)
	api.HandleFunc("/v1/vault/preview/{op}", h.Preview).Methods(http.MethodGet)

	api.HandleFunc("/v1/accounts/{account}", h.GetAccount).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(h.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(h.MethodNotAllowed)
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), requestID)))
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(wrapper.statusCode)).
			Observe(duration.Seconds())

		log.Info().
			Str("request_id", handlers.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("actor", r.Header.Get(handlers.ActorHeader)).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// rateLimitMiddleware throttles each client, keyed by actor or remote host
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		client := clientKey(r)
		if !s.limiter.Allow(client) {
			s.metrics.RateLimited.Inc()
			retry := s.limiter.RetryAfter(client)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"Too Many Requests","code":"rate_limited","request_id":%q}`+"\n",
				handlers.RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	log.Info().Str("addr", s.GetAddress()).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	s.stream.Close()
	return s.server.Shutdown(ctx)
}

// GetAddress returns the server address
func (s *Server) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

func clientKey(r *http.Request) string {
	if a := r.Header.Get(handlers.ActorHeader); a != "" {
		return "actor:" + a
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade through the wrapper
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
