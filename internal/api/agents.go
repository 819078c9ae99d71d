package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conhub/conhub/pkg/models"
)

func (a *API) agentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.registerAgent)
	r.Get("/", a.listAgents)
	r.Get("/metrics", a.agentMetrics)
	r.Get("/service/health", a.serviceHealth)
	r.Get("/service/metrics", a.agentMetrics)
	r.Get("/sessions", a.listAllSessions)
	r.Get("/sessions/{sid}", a.getSession)
	r.Delete("/sessions/{sid}", a.deleteSession)
	r.Post("/sessions/{sid}/messages", a.sendMessage)
	r.Put("/sessions/{sid}/context", a.setSessionContext)
	r.Get("/{id}", a.getAgent)
	r.Post("/{id}/connect", a.connectAgent)
	r.Post("/{id}/disconnect", a.disconnectAgent)
	r.Get("/{id}/capabilities", a.agentCapabilities)
	r.Post("/{id}/sessions", a.createSession)
	r.Get("/{id}/sessions", a.listAgentSessions)
	return r
}

func (a *API) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type         models.AgentType `json:"type"`
		Name         string           `json:"name"`
		Version      string           `json:"version"`
		Capabilities []string         `json:"capabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	agent, err := a.sessions.RegisterAgent(req.Type, req.Name, req.Version, req.Capabilities)
	if err != nil {
		respondError(w, http.StatusBadRequest, "registration failed", err.Error())
		return
	}
	respond(w, http.StatusCreated, models.OK("agent registered", agent))
}

func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("agents", a.sessions.ListAgents()))
}

func (a *API) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.sessions.GetAgent(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found", chi.URLParam(r, "id"))
		return
	}
	respond(w, http.StatusOK, models.OK("agent", agent))
}

func (a *API) connectAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := a.sessions.Connect(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusTooManyRequests, "connection refused", err.Error())
		return
	}
	respond(w, http.StatusCreated, models.OK("connected", conn))
}

func (a *API) disconnectAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.sessions.Disconnect(chi.URLParam(r, "id"), req.ConnectionID); err != nil {
		respondError(w, http.StatusNotFound, "disconnect failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("disconnected", nil))
}

func (a *API) agentCapabilities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := a.sessions.GetAgent(id)
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found", id)
		return
	}

	// Report negotiated capabilities of the agent's live connections
	// alongside the static registration list.
	negotiated := make(map[string]interface{})
	for _, conn := range a.sessions.Connections().List() {
		if conn.AgentID == id && conn.Status == models.ConnectionConnected {
			negotiated[conn.ID] = conn.Caps
		}
	}
	respond(w, http.StatusOK, models.OK("capabilities", map[string]interface{}{
		"declared":   agent.Capabilities,
		"negotiated": negotiated,
	}))
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s, err := a.sessions.CreateSession(chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session creation failed", err.Error())
		return
	}
	respond(w, http.StatusCreated, models.OK("session created", s))
}

func (a *API) listAgentSessions(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("sessions", a.sessions.ListSessions(chi.URLParam(r, "id"))))
}

func (a *API) listAllSessions(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("sessions", a.sessions.ListSessions("")))
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.sessions.GetSession(chi.URLParam(r, "sid"))
	if !ok {
		respondError(w, http.StatusNotFound, "session not found", chi.URLParam(r, "sid"))
		return
	}
	respond(w, http.StatusOK, models.OK("session", s))
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.DeleteSession(chi.URLParam(r, "sid")); err != nil {
		respondError(w, http.StatusNotFound, "session not found", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("session deleted", nil))
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "content is required")
		return
	}

	reply, err := a.sessions.SendMessage(r.Context(), chi.URLParam(r, "sid"), req.Content)
	if err != nil {
		respondError(w, http.StatusBadGateway, "message failed", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("message sent", reply))
}

func (a *API) setSessionContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "key is required")
		return
	}
	if err := a.sessions.SetContext(chi.URLParam(r, "sid"), req.Key, req.Value); err != nil {
		respondError(w, http.StatusNotFound, "session not found", err.Error())
		return
	}
	respond(w, http.StatusOK, models.OK("context updated", nil))
}

func (a *API) agentMetrics(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("session metrics", a.sessions.Metrics()))
}

func (a *API) serviceHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("agent service healthy", map[string]interface{}{
		"agents":           len(a.sessions.ListAgents()),
		"live_connections": len(a.sessions.Connections().List()),
	}))
}
