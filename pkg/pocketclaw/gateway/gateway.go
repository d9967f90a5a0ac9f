// Package gateway exposes the assistant over HTTP: the turn entrypoint, the
// status and link commands, approval answers, and the chat bridge inbound
// webhook.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// DefaultAddress is used when the config leaves the address empty.
const DefaultAddress = ":8090"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Gateway is the HTTP API gateway.
type Gateway struct {
	assistant *copilot.Assistant
	config    copilot.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(assistant *copilot.Assistant, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	return &Gateway{
		assistant: assistant,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(g.securityHeaders)
	r.Use(g.cors)

	r.Get("/health", g.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(g.requireToken)
		r.Use(g.logRequests)

		r.Post("/turns", g.handleTurn)
		r.Get("/sessions", g.handleSessions)
		r.Route("/identities/{identity}", func(r chi.Router) {
			r.Get("/groups/{group}", g.handleGroupStatus)
			r.Post("/groups/{group}/link", g.handleLink)
			r.Get("/approvals", g.handlePendingApprovals)
		})
		r.Post("/approvals/{id}", g.handleResolveApproval)
		r.Post("/bridge/incoming", g.handleBridgeIncoming)
	})
	return r
}

// Start listens in the background until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
