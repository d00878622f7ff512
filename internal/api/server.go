// Package api assembles Chronicle's HTTP surface: the route handlers and
// the per-request ops middleware chain around them.
package api

import (
	"net/http"

	"github.com/oriys/chronicle/internal/config"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/ratelimit"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Handler *Handler
	Ops     config.OpsConfig
	Limiter *ratelimit.Limiter
}

// NewServer builds the wrapped handler stack. Outermost to innermost:
// tracing, ops admission, routes.
func NewServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()
	cfg.Handler.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = NewOpsMiddleware(cfg.Ops, cfg.Limiter, cfg.Handler.Metrics).Wrap(handler)
	handler = observability.HTTPMiddleware(handler)

	return &http.Server{
		Addr:    addr,
		Handler: handler,
	}
}

// Start runs the server in the background.
func Start(server *http.Server) {
	go func() {
		logging.Op().Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server error", "error", err)
		}
	}()
}
