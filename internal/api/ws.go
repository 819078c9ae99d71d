package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/gateway"
	"github.com/conhub/conhub/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 1 << 20
)

// handleWebSocket upgrades the connection and runs the protocol loop.
// The handshake must complete before any other method is routed; until
// then everything except initialize is answered with an error on the
// same channel. An unrecoverable handshake failure closes the socket.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "invalid request", "query parameter agent_id is required")
		return
	}
	agent, ok := a.sessions.GetAgent(agentID)
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found", agentID)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsMaxMessage)

	conn, err := a.sessions.Connect(agentID)
	if err != nil {
		writeProtocolMessage(ws, protocol.NewErrorResponse(nil,
			protocol.Errorf(protocol.CodeRateLimited, "%v", err)))
		return
	}
	defer a.sessions.Disconnect(agentID, conn.ID)

	caller := gateway.Caller{AgentID: agentID, AgentType: agent.Type}
	handshook := false

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("connection", conn.ID).Msg("websocket read failed")
			}
			return
		}
		a.sessions.Connections().Touch(conn.ID)

		msg, perr := protocol.Decode(data)
		if perr != nil {
			writeProtocolMessage(ws, protocol.NewErrorResponse(nil, perr))
			continue
		}

		if !handshook {
			if msg.Method != protocol.MethodInitialize {
				writeProtocolMessage(ws, protocol.NewErrorResponse(msg.ID,
					protocol.Errorf(protocol.CodeInvalidRequest, "handshake required before %q", msg.Method)))
				continue
			}

			params, perr := protocol.DecodeParams(msg.Method, msg.Params)
			if perr != nil {
				writeProtocolMessage(ws, protocol.NewErrorResponse(msg.ID, perr))
				continue
			}
			init := params.(*protocol.InitializeParams)

			result, err := a.sessions.Connections().CompleteHandshake(conn.ID, *init)
			if err != nil {
				// Version mismatch is unrecoverable; answer and close.
				writeProtocolMessage(ws, protocol.NewErrorResponse(msg.ID,
					protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)))
				return
			}
			handshook = true
			caller.Caps = result.Capabilities
			writeProtocolMessage(ws, protocol.NewResponse(msg.ID, result))
			continue
		}

		if resp := a.gateway.Dispatch(r.Context(), caller, msg); resp != nil {
			writeProtocolMessage(ws, resp)
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeProtocolMessage(ws *websocket.Conn, msg *protocol.Message) {
	if msg == nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("websocket write failed")
	}
}
