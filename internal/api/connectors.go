package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/pkg/models"
)

func (a *API) connectorRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", a.listConnectors)
	r.Get("/health", a.allConnectorsHealth)
	r.Get("/search", a.searchAllConnectors)
	r.Get("/{id}", a.getConnector)
	r.Get("/{id}/health", a.connectorHealth)
	r.Get("/{id}/stats", a.connectorStats)
	r.Get("/{id}/search", a.searchConnector)
	r.Post("/{id}/fetch", a.fetchConnector)
	r.Get("/{id}/context", a.connectorContext)
	r.Post("/{id}/reload", a.reloadConnector)
	return r
}

func (a *API) listConnectors(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("connectors", a.registry.Descriptors()))
}

func (a *API) getConnector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	desc, ok := a.registry.Describe(id)
	if !ok {
		respondError(w, http.StatusNotFound, "connector not found", id)
		return
	}
	respond(w, http.StatusOK, models.OK("connector", desc))
}

func (a *API) connectorHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.registry.With(r.Context(), id, connector.OpHealthCheck, func(c connector.Connector) error {
		return c.Health(r.Context())
	})
	if err != nil {
		respond(w, http.StatusServiceUnavailable, models.Fail("connector unhealthy", err.Error()))
		return
	}
	respond(w, http.StatusOK, models.OK("connector healthy", nil))
}

func (a *API) allConnectorsHealth(w http.ResponseWriter, r *http.Request) {
	a.registry.SweepHealth(r.Context())
	out := make(map[string]connector.HealthStatus)
	for _, d := range a.registry.Descriptors() {
		out[d.ID] = d.Health
	}
	respond(w, http.StatusOK, models.OK("connector health", out))
}

func (a *API) connectorStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := a.registry.Stats(id)
	if !ok {
		respondError(w, http.StatusNotFound, "connector not found", id)
		return
	}
	respond(w, http.StatusOK, models.OK("connector stats", stats))
}

func (a *API) searchConnector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "query parameter q is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var docs []models.Document
	err := a.registry.With(r.Context(), id, connector.OpSearch, func(c connector.Connector) error {
		var serr error
		docs, serr = c.Search(r.Context(), query, limit)
		return serr
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "search failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("search results", docs))
}

// searchAllConnectors fans the query out to every loaded connector and
// merges the hits. A failing connector contributes nothing rather than
// failing the whole search.
func (a *API) searchAllConnectors(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "query parameter q is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	merged := make([]models.Document, 0)
	for _, id := range a.registry.IDs() {
		a.registry.With(r.Context(), id, connector.OpSearch, func(c connector.Connector) error {
			docs, serr := c.Search(r.Context(), query, limit)
			if serr != nil {
				return serr
			}
			merged = append(merged, docs...)
			return nil
		})
	}
	respond(w, http.StatusOK, models.OK("search results", merged))
}

func (a *API) fetchConnector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var q connector.FetchQuery
	if !decodeBody(w, r, &q) {
		return
	}

	var out *connector.FetchResult
	err := a.registry.With(r.Context(), id, connector.OpFetch, func(c connector.Connector) error {
		var ferr error
		out, ferr = c.Fetch(r.Context(), q)
		return ferr
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "fetch failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("fetch results", out))
}

func (a *API) connectorContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "query parameter uri is required")
		return
	}

	var bundle *models.ContextBundle
	err := a.registry.With(r.Context(), id, connector.OpGetContext, func(c connector.Connector) error {
		var gerr error
		bundle, gerr = c.GetContext(r.Context(), uri)
		return gerr
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "context assembly failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("context", bundle))
}

func (a *API) reloadConnector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.registry.Reload(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "reload failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("connector reloaded", nil))
}
