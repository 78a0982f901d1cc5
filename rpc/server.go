package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskescrow/core"
	"taskescrow/observability/metrics"
)

const (
	maxRequestBytes   = 1 << 20
	defaultEventsPage = 100
	maxEventsPage     = 1000
	shutdownTimeout   = 5 * time.Second
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Runtime    *core.Runtime
	Logger     *slog.Logger
	Metrics    *metrics.EscrowMetrics
	RateLimit  RateLimit
	AdminToken string
	// StreamBuffer bounds the records queued per websocket subscriber before
	// it is dropped.
	StreamBuffer int
}

// Server exposes the escrow runtime over JSON HTTP and a websocket journal
// stream.
type Server struct {
	runtime      *core.Runtime
	logger       *slog.Logger
	metrics      *metrics.EscrowMetrics
	limiter      *rateLimiter
	adminToken   string
	streamBuffer int
	clock        func() time.Time

	router http.Handler
}

// New constructs the router.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("rpc: runtime required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		runtime:      cfg.Runtime,
		logger:       logger.With("component", "rpc"),
		metrics:      cfg.Metrics,
		adminToken:   cfg.AdminToken,
		streamBuffer: cfg.StreamBuffer,
		clock:        time.Now,
	}
	srv.limiter = newRateLimiter(cfg.RateLimit, func() time.Time { return srv.clock() })
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.caller)
		api.Use(s.throttle)

		api.Get("/factories", s.handleListFactories)
		api.Get("/factories/{factory}", s.handleGetFactory)
		api.Post("/factories/{factory}/template", s.handleRegisterTemplate)
		api.Post("/factories/{factory}/proposals", s.handleCreateProposal)

		api.Get("/proposals/{address}", s.handleGetProposal)
		api.Post("/proposals/{address}/response", s.handleRespond)
		api.Post("/proposals/{address}/prepay", s.handlePrepay)
		api.Post("/proposals/{address}/close", s.handleClose)
		api.Post("/proposals/{address}/complete", s.handleComplete)
		api.Post("/proposals/{address}/dispute", s.handleDispute)
		api.Post("/proposals/{address}/resolve", s.handleResolve)

		api.Get("/tokens", s.handleListTokens)
		api.Get("/tokens/{token}", s.handleGetToken)
		api.Get("/tokens/{token}/balances/{owner}", s.handleBalance)
		api.Get("/tokens/{token}/allowances/{owner}/{spender}", s.handleAllowance)
		api.Post("/tokens/{token}/approve", s.handleApprove)
		api.Post("/tokens/{token}/transfer", s.handleTransfer)

		api.Get("/events", s.handleEvents)
		api.Get("/events/ws", s.handleEventsWS)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/modules/{module}/pause", s.handlePause(true))
		admin.Post("/modules/{module}/resume", s.handlePause(false))
	})
	return r
}

// Serve listens on addr until the context is cancelled, then shuts down
// gracefully. Requests are traced through otelhttp.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.router, "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
