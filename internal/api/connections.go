package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conhub/conhub/internal/gateway"
	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/pkg/models"
)

func (a *API) connectionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.createConnection)
	r.Get("/", a.listConnections)
	r.Get("/health", a.connectionsHealth)
	r.Get("/{id}", a.getConnection)
	r.Delete("/{id}", a.closeConnection)
	r.Get("/{id}/resources", a.listConnectionResources)
	r.Post("/{id}/resources/read", a.readConnectionResource)
	r.Post("/{id}/resources/subscribe", a.subscribeConnectionResource)
	r.Get("/{id}/tools", a.listConnectionTools)
	r.Post("/{id}/tools/call", a.callConnectionTool)
	return r
}

func (a *API) createConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "agent_id is required")
		return
	}

	conn, err := a.sessions.Connect(req.AgentID)
	if err != nil {
		respondError(w, http.StatusTooManyRequests, "connection refused", err.Error())
		return
	}
	respond(w, http.StatusCreated, models.OK("connection created", conn))
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.OK("connections", a.sessions.Connections().List()))
}

func (a *API) connectionsHealth(w http.ResponseWriter, r *http.Request) {
	conns := a.sessions.Connections().List()
	byStatus := make(map[models.ConnectionStatus]int)
	for _, c := range conns {
		byStatus[c.Status]++
	}
	respond(w, http.StatusOK, models.OK("connection health", map[string]interface{}{
		"total":     len(conns),
		"by_status": byStatus,
	}))
}

func (a *API) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := a.sessions.Connections().Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "connection not found", chi.URLParam(r, "id"))
		return
	}
	respond(w, http.StatusOK, models.OK("connection", conn))
}

func (a *API) closeConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, ok := a.sessions.Connections().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "connection not found", id)
		return
	}
	if err := a.sessions.Disconnect(conn.AgentID, id); err != nil {
		a.sessions.Connections().Close(id)
	}
	respond(w, http.StatusOK, models.OK("connection closed", nil))
}

// dispatchFor synthesizes a protocol request on behalf of a connection
// and runs it through the same gateway path WebSocket traffic takes.
func (a *API) dispatchFor(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	id := chi.URLParam(r, "id")
	conn, ok := a.sessions.Connections().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "connection not found", id)
		return
	}
	if conn.Status != models.ConnectionConnected && conn.Status != models.ConnectionConnecting {
		respondError(w, http.StatusConflict, "connection not usable", string(conn.Status))
		return
	}

	msg, perr := protocol.NewRequest("http-"+id, method, params)
	if perr != nil {
		respondError(w, http.StatusBadRequest, "invalid parameters", perr.Message)
		return
	}

	caller := gateway.Caller{AgentID: conn.AgentID, AgentType: conn.AgentType, Caps: conn.Caps}
	resp := a.gateway.Dispatch(r.Context(), caller, msg)
	a.sessions.Connections().Touch(id)

	if resp == nil {
		respond(w, http.StatusOK, models.OK("accepted", nil))
		return
	}
	if resp.Error != nil {
		respond(w, statusFor(resp.Error.Code), models.Fail("request failed", resp.Error.Message))
		return
	}
	respond(w, http.StatusOK, models.OK("result", json.RawMessage(resp.Result)))
}

// statusFor maps protocol error codes onto HTTP statuses.
func statusFor(code int) int {
	switch code {
	case protocol.CodeMethodNotFound, protocol.CodeResourceNotFound,
		protocol.CodeToolNotFound, protocol.CodePromptNotFound:
		return http.StatusNotFound
	case protocol.CodeInvalidParams, protocol.CodeInvalidRequest, protocol.CodeParseError:
		return http.StatusBadRequest
	case protocol.CodeAuthFailed:
		return http.StatusForbidden
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) listConnectionResources(w http.ResponseWriter, r *http.Request) {
	a.dispatchFor(w, r, protocol.MethodResourcesList, protocol.ResourcesListParams{
		Cursor: r.URL.Query().Get("cursor"),
	})
}

func (a *API) readConnectionResource(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResourcesReadParams
	if !decodeBody(w, r, &req) {
		return
	}
	a.dispatchFor(w, r, protocol.MethodResourcesRead, req)
}

func (a *API) subscribeConnectionResource(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubscribeParams
	if !decodeBody(w, r, &req) {
		return
	}
	a.dispatchFor(w, r, protocol.MethodResourcesSubscribe, req)
}

func (a *API) listConnectionTools(w http.ResponseWriter, r *http.Request) {
	a.dispatchFor(w, r, protocol.MethodToolsList, protocol.ToolsListParams{})
}

func (a *API) callConnectionTool(w http.ResponseWriter, r *http.Request) {
	var req protocol.ToolsCallParams
	if !decodeBody(w, r, &req) {
		return
	}
	a.dispatchFor(w, r, protocol.MethodToolsCall, req)
}
