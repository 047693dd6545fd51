// Package proxy implements the XDR HTTP server.
//
// One listener carries two surfaces: the control plane under /_xdr/ (agent
// status, budget overrides, chaos policy, trace retrieval, the live event
// feed, health, metrics) and the data plane, a catch-all reverse proxy that
// walks every other request through the pipeline: trace creation, chaos
// injection, identity enforcement, the payment gate, upstream resolution,
// and forwarding. Control-plane handlers never touch the trace ring; every
// data-plane request commits exactly one trace whose final status is the
// status the client observed.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/xdr/internal/chaos"
	"github.com/kelpejol/xdr/internal/config"
	"github.com/kelpejol/xdr/internal/events"
	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/trace"
)

// Server wires the ledger, chaos engine, trace ring, and event bus into the
// HTTP surfaces.
type Server struct {
	network string
	ledger  *ledger.Ledger
	chaos   *chaos.Engine
	ring    *trace.Ring
	bus     *events.Bus
	client  *http.Client
	log     zerolog.Logger
}

// NewServer creates a Server over the given runtime state.
func NewServer(cfg *config.Config, l *ledger.Ledger, e *chaos.Engine, r *trace.Ring, b *events.Bus, logger zerolog.Logger) *Server {
	return &Server{
		network: cfg.Network,
		ledger:  l,
		chaos:   e,
		ring:    r,
		bus:     b,
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
			// A transparent proxy hands redirects back to the client
			// instead of chasing them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.With().Str("component", "proxy").Logger(),
	}
}

// Router builds the route table. Control-plane routes are registered before
// the catch-all, so everything outside /_xdr/ flows through the pipeline.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	ctrl := r.PathPrefix("/_xdr").Subrouter()
	ctrl.HandleFunc("/status/{agent}", s.handleStatus).Methods(http.MethodGet)
	ctrl.HandleFunc("/budget/{agent}", s.handleBudget).Methods(http.MethodPost)
	ctrl.HandleFunc("/chaos", s.handleChaosGet).Methods(http.MethodGet)
	ctrl.HandleFunc("/chaos", s.handleChaosSet).Methods(http.MethodPost)
	ctrl.HandleFunc("/traces", s.handleTraces).Methods(http.MethodGet)
	ctrl.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	ctrl.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	ctrl.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	ctrl.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handleProxy)
	// Absolute-form requests with an empty path still belong to the data
	// plane.
	r.NotFoundHandler = http.HandlerFunc(s.handleProxy)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. Bind
// failure is returned immediately.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: LoggingMiddleware(s.log)(s.Router()),
		// No write timeout: injected latency plus streamed bodies can
		// legitimately exceed any fixed window.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().
			Str("addr", addr).
			Str("network", s.network).
			Msg("xdr proxy listening")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// LoggingMiddleware logs every request with its final status and duration.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("agent_id", r.Header.Get(headerAgentID)).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event feed upgrade to a websocket through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
