// Package api implements the delivery service's RPC surface using the chi
// router. Every write rides through the same middleware chain: bearer-token
// verification, per-(DID, method) rate limiting, and idempotency-key
// deduplication, before the handler routes the operation to the
// conversation's epoch actor. Responses use a consistent JSON envelope.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/config"
	"github.com/cloakroom-chat/cloakroom/internal/identity"
	"github.com/cloakroom-chat/cloakroom/internal/idempotency"
	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/ratelimit"
	"github.com/cloakroom-chat/cloakroom/internal/rejoin"
	"github.com/cloakroom-chat/cloakroom/internal/store"
	"github.com/cloakroom-chat/cloakroom/internal/stream"
)

// Server is the HTTP RPC server. It holds the router, the epoch actor
// registry, and every subsystem the handlers touch.
type Server struct {
	Router      *chi.Mux
	Store       *store.Store
	Registry    *actor.Registry
	Verifier    *identity.Verifier
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Cache
	Streamer    *stream.Streamer
	Rejoin      *rejoin.Orchestrator
	Metrics     *metrics.Metrics
	Config      *config.Config
	Logger      *slog.Logger

	server *http.Server
}

// Deps bundles the server's dependencies.
type Deps struct {
	Store       *store.Store
	Registry    *actor.Registry
	Verifier    *identity.Verifier
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Cache
	Streamer    *stream.Streamer
	Rejoin      *rejoin.Orchestrator
	Metrics     *metrics.Metrics
	Config      *config.Config
	Logger      *slog.Logger
}

// NewServer creates the RPC server with all routes and middleware registered.
func NewServer(d Deps) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Store:       d.Store,
		Registry:    d.Registry,
		Verifier:    d.Verifier,
		Limiter:     d.Limiter,
		Idempotency: d.Idempotency,
		Streamer:    d.Streamer,
		Rejoin:      d.Rejoin,
		Metrics:     d.Metrics,
		Config:      d.Config,
		Logger:      d.Logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware adds global middleware to the router.
func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(slogMiddleware(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))
	s.Router.Use(maxBodySize(s.Config.Limits.MaxBodyBytes))
}

// registerRoutes mounts the RPC surface under /api/v1/.
func (s *Server) registerRoutes() {
	s.Router.Route("/api/v1", func(r chi.Router) {
		// Conversations.
		r.Post("/conversations", s.authed("createConvo", s.idempotent(s.handleCreateConvo)))
		r.Get("/conversations/{convoID}/messages", s.authed("getMessages", s.handleGetMessages))
		r.Post("/conversations/{convoID}/messages", s.authed("sendMessage", s.idempotent(s.handleSendMessage)))

		// Membership.
		r.Post("/conversations/{convoID}/members", s.authed("addMembers", s.idempotent(s.handleAddMembers)))
		r.Delete("/conversations/{convoID}/members/{deviceMLSDID}", s.authed("removeMember", s.idempotent(s.handleRemoveMember)))
		r.Post("/conversations/{convoID}/admins/{userDID}", s.authed("promoteAdmin", s.idempotent(s.handlePromoteAdmin)))
		r.Delete("/conversations/{convoID}/admins/{userDID}", s.authed("demoteAdmin", s.idempotent(s.handleDemoteAdmin)))

		// Rejoin and Welcome delivery.
		r.Post("/conversations/{convoID}/rejoin", s.authed("markNeedsRejoin", s.idempotent(s.handleMarkNeedsRejoin)))
		r.Post("/conversations/{convoID}/welcome", s.authed("deliverWelcome", s.idempotent(s.handleDeliverWelcome)))
		r.Get("/conversations/{convoID}/welcome", s.authed("getWelcome", s.handleGetWelcome))
		r.Delete("/conversations/{convoID}/welcome", s.authed("consumeWelcome", s.idempotent(s.handleConsumeWelcome)))

		// Reports.
		r.Post("/conversations/{convoID}/reports", s.authed("reportMember", s.idempotent(s.handleReportMember)))

		// Devices.
		r.Post("/devices", s.authed("registerDevice", s.idempotent(s.handleRegisterDevice)))
		r.Post("/devices/{deviceID}/push-token", s.authed("registerDeviceToken", s.idempotent(s.handleRegisterDeviceToken)))
		r.Delete("/devices/{deviceID}/push-token", s.authed("unregisterDeviceToken", s.idempotent(s.handleUnregisterDeviceToken)))

		// Key packages.
		r.Post("/key-packages", s.authed("publishKeyPackage", s.idempotent(s.handlePublishKeyPackage)))
		r.Get("/key-packages/{deviceMLSDID}/count", s.authed("countKeyPackages", s.handleCountKeyPackages))
		r.Post("/key-packages/{deviceMLSDID}/consume", s.authed("consumeKeyPackage", s.idempotent(s.handleConsumeKeyPackage)))

		// Real-time subscription.
		r.Get("/subscribe", s.authed("subscribeEvents", s.handleSubscribe))
	})

	// Unauthenticated liveness probe, IP-limited.
	s.Router.Get("/health", s.ipLimited(s.handleHealth))
}

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Config.HTTP.Listen,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("RPC server listening", slog.String("addr", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth reports liveness of the storage layer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Pool.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "unhealthy", "storage unreachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubscribe upgrades to the per-device event subscription.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal.DeviceMLSDID == "" {
		WriteError(w, http.StatusForbidden, "forbidden", "subscription requires a device-bound token")
		return
	}
	s.Streamer.ServeSubscription(w, r, principal.DeviceMLSDID)
}

// MetricsHandler returns the Prometheus handler guarded by the admin token.
// Requests are refused when no token hash is configured.
func MetricsHandler(reg *prometheus.Registry, adminTokenHash string, logger *slog.Logger) http.Handler {
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminTokenHash == "" {
			WriteError(w, http.StatusForbidden, "forbidden", "metrics access is not configured")
			return
		}
		token := extractBearerToken(r)
		match, err := argon2id.ComparePasswordAndHash(token, adminTokenHash)
		if err != nil || !match {
			if err != nil {
				logger.Debug("metrics token comparison failed", slog.String("error", err.Error()))
			}
			WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid metrics token")
			return
		}
		promHandler.ServeHTTP(w, r)
	})
}
