// Package controlplane implements §4.8's HealthControlPlane: an
// unauthenticated net/http server, bound for intra-host use, exposing the
// exact routes of §6.
package controlplane

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/config"
	"github.com/basket/goclaw-orchestrator/internal/gateway"
	"github.com/basket/goclaw-orchestrator/internal/groupqueue"
	"github.com/basket/goclaw-orchestrator/internal/heartbeat"
	"github.com/basket/goclaw-orchestrator/internal/persistence"
	"github.com/basket/goclaw-orchestrator/internal/resourcemonitor"
)

// maxRequestBytes bounds an incoming PATCH /heartbeat/config body.
const maxRequestBytes = 1 << 20

// Config bundles a Server's dependencies.
type Config struct {
	Addr              string
	Store             *persistence.Store
	Queue             *groupqueue.Queue
	Monitor           *resourcemonitor.Monitor
	HeartbeatRunner   *heartbeat.Runner
	HeartbeatSettings *heartbeat.LiveSettings
	CORS              config.CORSConfig
	Logger            *slog.Logger
	Version           string
}

// Server is §4.8's HealthControlPlane.
type Server struct {
	cfg        Config
	httpServer *http.Server
	startedAt  time.Time
}

// New builds a Server wired with CORS (internal/gateway/cors.go, reused
// unchanged in shape) and a request-size guard, routed on http.ServeMux's
// Go 1.22+ method-aware patterns, matching this codebase's existing choice
// to route without a third-party router library.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{cfg: cfg, startedAt: time.Now()}

	mux := http.NewServeMux()
	s.routes(mux)

	handler := gateway.NewCORSMiddleware(cfg.CORS)(mux)
	handler = gateway.RequestSizeLimitMiddleware(maxRequestBytes)(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. A listen error other
// than the server being shut down is logged, per §7's "errors in
// background loops... are logged and do not terminate the loop" (the
// control plane's listener is the background loop here).
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("control plane listener exited", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
