// Package api exposes the HTTP and WebSocket surface of the gateway.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/api/middleware"
	"github.com/conhub/conhub/internal/config"
	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/internal/gateway"
	"github.com/conhub/conhub/internal/metrics"
	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/internal/sessions"
	"github.com/conhub/conhub/internal/webhooks"
	"github.com/conhub/conhub/pkg/models"
)

// API bundles the gateway's components behind HTTP handlers.
type API struct {
	cfg      *config.Config
	sessions *sessions.Manager
	registry *connector.Registry
	gateway  *gateway.Gateway
	webhooks *webhooks.Service
}

// New builds the API surface.
func New(cfg *config.Config, sm *sessions.Manager, reg *connector.Registry, gw *gateway.Gateway, wh *webhooks.Service) *API {
	return &API{cfg: cfg, sessions: sm, registry: reg, gateway: gw, webhooks: wh}
}

// Router assembles the full route tree with the ambient middleware
// stack.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(a.cfg.APIKeys).Middleware)

	r.Get("/health", a.handleHealth)
	r.Get("/version", a.handleVersion)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", a.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/connections", a.connectionRoutes())
		r.Mount("/connectors", a.connectorRoutes())
		r.Mount("/agents", a.agentRoutes())
	})
	r.Mount("/api/webhooks", a.webhooks.Routes())

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("healthy", map[string]interface{}{
		"connectors": len(a.registry.IDs()),
	}))
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("version", map[string]string{
		"name":     gateway.ServerName,
		"version":  gateway.ServerVersion,
		"protocol": protocol.Version,
	}))
}

func respond(w http.ResponseWriter, status int, body models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message, detail string) {
	respond(w, status, models.Fail(message, detail))
}

// decodeBody decodes a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
