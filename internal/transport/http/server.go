// Package http provides the HTTP transport for AgentHub.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /agents/{agent}/messages
//	GET    /agents/{agent}/messages?wait_ms=
//	POST   /agents/{agent}/acks
//	POST   /agents/{agent}/nacks
//	GET    /agents/{agent}/subscriptions
//	POST   /agents/{agent}/subscriptions
//	DELETE /agents/{agent}/subscriptions?pattern=
//	GET    /agents/{agent}/webhooks
//	POST   /agents/{agent}/webhooks
//	DELETE /agents/{agent}/webhooks
//	GET    /agents/{agent}/ws
//	POST   /topics/{topic}/messages
//	POST   /broadcast
//	POST   /requests
//	GET    /rules
//	POST   /rules
//	DELETE /rules/{name}
//	GET    /content-routes
//	POST   /content-routes
//	DELETE /content-routes/{name}
//	GET    /groups
//	GET    /groups/{group}
//	PUT    /groups/{group}
//	DELETE /groups/{group}
//	POST   /groups/{group}/messages
//	GET    /api/gauges
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sneh-joshi/agenthub/internal/config"
	"github.com/sneh-joshi/agenthub/internal/consumer"
	"github.com/sneh-joshi/agenthub/internal/hub"
	"github.com/sneh-joshi/agenthub/internal/metrics"
	transportws "github.com/sneh-joshi/agenthub/internal/transport/websocket"
)

// Option configures a Server.
type Option func(*Handler)

// WithNodeID sets the node ID reported by /health.
func WithNodeID(id string) Option {
	return func(h *Handler) { h.nodeID = id }
}

// WithLogger sets the logger used for access logs and handler warnings.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// Server wraps the stdlib HTTP server with AgentHub route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a hub. cm and reg may be nil, which disables
// the webhook routes and /metrics respectively. The caller runs
// ListenAndServe and Shutdown.
func New(hb *hub.Hub, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry, opts ...Option) *Server {
	h := &Handler{
		hub:      hb,
		consumer: cm,
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Point-to-point
	mux.HandleFunc("POST /agents/{agent}/messages", h.send)
	mux.HandleFunc("GET /agents/{agent}/messages", h.receive)
	mux.HandleFunc("POST /agents/{agent}/acks", h.ack)
	mux.HandleFunc("POST /agents/{agent}/nacks", h.nack)

	// Subscriptions
	mux.HandleFunc("GET /agents/{agent}/subscriptions", h.listSubscriptions)
	mux.HandleFunc("POST /agents/{agent}/subscriptions", h.subscribe)
	mux.HandleFunc("DELETE /agents/{agent}/subscriptions", h.unsubscribe)

	// Fan-out and request/reply
	mux.HandleFunc("POST /topics/{topic}/messages", h.publish)
	mux.HandleFunc("POST /broadcast", h.broadcast)
	mux.HandleFunc("POST /requests", h.request)

	// Rules and content routes
	mux.HandleFunc("GET /rules", h.listRules)
	mux.HandleFunc("POST /rules", h.addRule)
	mux.HandleFunc("DELETE /rules/{name}", h.removeRule)
	mux.HandleFunc("GET /content-routes", h.listContentRoutes)
	mux.HandleFunc("POST /content-routes", h.addContentRoute)
	mux.HandleFunc("DELETE /content-routes/{name}", h.removeContentRoute)

	// Groups
	mux.HandleFunc("GET /groups", h.listGroups)
	mux.HandleFunc("GET /groups/{group}", h.getGroup)
	mux.HandleFunc("PUT /groups/{group}", h.setGroup)
	mux.HandleFunc("DELETE /groups/{group}", h.deleteGroup)
	mux.HandleFunc("POST /groups/{group}/messages", h.sendToGroup)

	// Push consumers
	if cm != nil {
		mux.HandleFunc("GET /agents/{agent}/webhooks", h.getWebhook)
		mux.HandleFunc("POST /agents/{agent}/webhooks", h.registerWebhook)
		mux.HandleFunc("DELETE /agents/{agent}/webhooks", h.unregisterWebhook)
	}
	if cfg.WebSocket.Enabled {
		mux.Handle("GET /agents/{agent}/ws", &transportws.Handler{
			Hub:          hb,
			PollInterval: cfg.WebSocket.PollInterval,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			Logger:       h.logger,
		})
	}

	// Observability
	mux.HandleFunc("GET /api/gauges", h.gauges)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		RequestIDMiddleware,
		LoggingMiddleware(h.logger, reg),
		CORSMiddleware(cfg.Server.CORSOrigins),
		MaxBodyMiddleware(int64(cfg.Server.MaxBodyKB)<<10),
		RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	)

	// Long-poll receives and requests may legitimately hold a response open
	// up to the request timeout.
	writeTimeout := cfg.Hub.RequestTimeout + 30*time.Second

	return &Server{
		inner: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.inner.Addr }

// ListenAndServe blocks until the server stops. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
