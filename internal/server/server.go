// Package server exposes the Hibiki chat surface over HTTP.
//
// Endpoints:
//
//   - POST /v1/turn — run one conversation turn (JSON in, JSON out).
//   - GET  /v1/chat — websocket chat; one turn per inbound message,
//     serialized per connection.
//   - GET  /healthz, /readyz — liveness and readiness probes.
//   - GET  /metrics — Prometheus scrape endpoint.
//
// Authentication is out of scope; callers identify themselves with the
// X-Hibiki-User header (or the "user" query parameter for websocket clients).
// Absent identity maps to the shared anonymous session.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hibikichat/hibiki/internal/health"
	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/session"
)

// IdentityHeader carries the caller's identity on HTTP requests.
const IdentityHeader = "X-Hibiki-User"

// identityQueryParam is the websocket fallback for clients that cannot set
// custom headers (browsers).
const identityQueryParam = "user"

// Timeouts for the embedded http.Server. Turn handling can block on two
// model calls, so the write timeout is generous.
const (
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 5 * time.Minute
)

// Config holds the server's dependencies and settings.
type Config struct {
	// ListenAddr is the TCP address to bind (e.g., ":8080").
	ListenAddr string

	// Sessions resolves identities to live sessions and runs turns.
	Sessions *session.Manager

	// Health serves the liveness and readiness probes. Optional; when nil
	// the probe routes are not registered.
	Health *health.Handler

	// Metrics instruments HTTP requests. Optional.
	Metrics *observe.Metrics

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the Hibiki HTTP front end. Create with [New]; run with
// [Server.Run].
type Server struct {
	cfg     Config
	httpSrv *http.Server
	handler http.Handler
}

// New assembles the route table and returns a ready-to-run Server.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: session manager must not be nil")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/chat", s.handleChat)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s, nil
}

// Handler returns the fully wrapped route table. Exposed for tests that
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		errc <- err
	}()

	observe.Logger(ctx).Info("http server listening", "addr", s.cfg.ListenAddr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// identityFromRequest resolves the caller identity from the header or, for
// websocket clients, the query string. Empty means anonymous.
func identityFromRequest(r *http.Request) string {
	if id := r.Header.Get(IdentityHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(identityQueryParam)
}
