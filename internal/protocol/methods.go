package protocol

import (
	"encoding/json"

	"github.com/conhub/conhub/pkg/models"
)

// Method vocabulary. Everything an agent may send is one of these; anything
// else is routed by the gateway and answered with method-not-found if no
// connector claims it.
const (
	MethodInitialize           = "initialize"
	MethodPing                 = "ping"
	MethodResourcesList        = "resources/list"
	MethodResourcesRead        = "resources/read"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"
	MethodToolsList            = "tools/list"
	MethodToolsCall            = "tools/call"
	MethodPromptsList          = "prompts/list"
	MethodPromptsGet           = "prompts/get"
	MethodSetLogLevel          = "logging/setLevel"
	MethodInitialized          = "notifications/initialized"
	MethodProgress             = "notifications/progress"
)

// ── Typed parameters ────────────────────────────────────────
//
// Each method carries its own parameter struct; DecodeParams is the single
// place that maps a method name to its variant. The router matches on the
// decoded type instead of digging through untyped JSON bags.

// InitializeParams opens the handshake.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    Tree            `json:"capabilities"`
	ClientInfo      models.PeerInfo `json:"client_info"`
}

// InitializeResult answers the handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    Tree            `json:"capabilities"`
	ServerInfo      models.PeerInfo `json:"server_info"`
}

// ResourcesListParams pages through a connector's resources.
type ResourcesListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ResourcesReadParams reads one resource by URI.
type ResourcesReadParams struct {
	URI string `json:"uri"`
}

// SubscribeParams subscribes to (or unsubscribes from) change
// notifications for one resource URI.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ToolsListParams pages through available tools.
type ToolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolsCallParams invokes a tool by name.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PromptsListParams pages through prompt templates.
type PromptsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// PromptsGetParams fetches one prompt template, optionally interpolated.
type PromptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// SetLogLevelParams adjusts the server-side log verbosity for a connection.
type SetLogLevelParams struct {
	Level string `json:"level"`
}

// ProgressParams reports progress on a long-running request.
type ProgressParams struct {
	Token    string  `json:"token"`
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
}

// DecodeParams unmarshals raw params into the typed variant for a method.
// Unknown methods return the raw params untouched so the router can still
// attempt connector matching on them.
func DecodeParams(method string, raw json.RawMessage) (interface{}, *Error) {
	var (
		dst interface{}
	)
	switch method {
	case MethodInitialize:
		dst = &InitializeParams{}
	case MethodPing, MethodInitialized:
		return nil, nil
	case MethodResourcesList:
		dst = &ResourcesListParams{}
	case MethodResourcesRead:
		dst = &ResourcesReadParams{}
	case MethodResourcesSubscribe, MethodResourcesUnsubscribe:
		dst = &SubscribeParams{}
	case MethodToolsList:
		dst = &ToolsListParams{}
	case MethodToolsCall:
		dst = &ToolsCallParams{}
	case MethodPromptsList:
		dst = &PromptsListParams{}
	case MethodPromptsGet:
		dst = &PromptsGetParams{}
	case MethodSetLogLevel:
		dst = &SetLogLevelParams{}
	case MethodProgress:
		dst = &ProgressParams{}
	default:
		return raw, nil
	}

	if len(raw) == 0 {
		return dst, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid params for %s: %v", method, err)
	}
	return dst, nil
}
