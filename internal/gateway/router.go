// Package gateway dispatches protocol messages: it validates them,
// applies the rule engine, routes them to a connector or a local handler
// and shapes every failure into a protocol error response.
package gateway

import (
	"encoding/json"
	"strings"

	"github.com/conhub/conhub/internal/protocol"
)

// TargetKind says where a message goes.
type TargetKind int

const (
	// TargetNone means no connector and no local handler matched.
	TargetNone TargetKind = iota
	// TargetConnector forwards to a named connector.
	TargetConnector
	// TargetLocal runs a gateway-local handler.
	TargetLocal
)

// Target is a routing decision.
type Target struct {
	Kind        TargetKind
	ConnectorID string
}

// listingMethods fall back to the default connector when nothing else
// matches, so bare listing calls work before an agent names any URI.
var listingMethods = map[string]bool{
	protocol.MethodResourcesList: true,
	protocol.MethodToolsList:     true,
}

// localMethods is the fixed local handler table.
var localMethods = map[string]bool{
	protocol.MethodInitialize:  true,
	protocol.MethodPing:        true,
	protocol.MethodPromptsList: true,
	protocol.MethodPromptsGet:  true,
	protocol.MethodSetLogLevel: true,
	protocol.MethodInitialized: true,
	protocol.MethodProgress:    true,
}

// connectorView is the slice of the registry the router needs. Keeping it
// an interface lets router tests run without building real connectors.
type connectorView interface {
	IDs() []string
	SchemesOf(id string) []string
}

// Router resolves a message to a connector or local handler using a
// fixed precedence: URI scheme, then tool name, then agent identity,
// then the default connector for listing methods, then the local table.
type Router struct {
	connectors       connectorView
	defaultConnector string
}

// NewRouter builds a router over the given connector view. The default
// connector answers listing methods that match nothing else; it may be
// empty.
func NewRouter(connectors connectorView, defaultConnector string) *Router {
	return &Router{connectors: connectors, defaultConnector: defaultConnector}
}

// Resolve applies the precedence rules. params is the decoded parameter
// variant for the method (or raw JSON for unknown methods); agentID is
// the connection's owning agent.
func (r *Router) Resolve(method string, params interface{}, agentID string) Target {
	// Rule 1: URI scheme beats everything else.
	if uri := paramURI(params); uri != "" {
		if id, ok := r.bySchemes(uri); ok {
			return Target{Kind: TargetConnector, ConnectorID: id}
		}
	}

	// Rule 2: tool name substring against connector IDs.
	if tool := paramToolName(params); tool != "" {
		if id, ok := r.bySubstring(tool); ok {
			return Target{Kind: TargetConnector, ConnectorID: id}
		}
	}

	// Envelope-level methods never leave the gateway, whatever the
	// agent's identity looks like.
	if localMethods[method] {
		return Target{Kind: TargetLocal}
	}

	// Rule 3: owning agent identity substring against connector IDs.
	if agentID != "" {
		if id, ok := r.bySubstring(agentID); ok {
			return Target{Kind: TargetConnector, ConnectorID: id}
		}
	}

	// Rule 4: listing methods go to the default connector.
	if listingMethods[method] && r.defaultConnector != "" {
		return Target{Kind: TargetConnector, ConnectorID: r.defaultConnector}
	}

	return Target{Kind: TargetNone}
}

// bySchemes matches a URI's scheme against every connector's declared
// schemes in sorted connector order, so matching is deterministic.
func (r *Router) bySchemes(uri string) (string, bool) {
	scheme, ok := uriScheme(uri)
	if !ok {
		return "", false
	}
	for _, id := range r.connectors.IDs() {
		for _, s := range r.connectors.SchemesOf(id) {
			if strings.EqualFold(s, scheme) {
				return id, true
			}
		}
	}
	return "", false
}

// bySubstring matches a name case-insensitively against connector IDs in
// sorted order; a connector matches when its ID appears inside the name.
func (r *Router) bySubstring(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, id := range r.connectors.IDs() {
		if strings.Contains(lower, strings.ToLower(id)) {
			return id, true
		}
	}
	return "", false
}

func uriScheme(uri string) (string, bool) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", false
	}
	return uri[:i], true
}

// paramURI pulls a resource URI out of the decoded parameter variant, or
// out of raw JSON for methods the vocabulary does not cover.
func paramURI(params interface{}) string {
	switch p := params.(type) {
	case *protocol.ResourcesReadParams:
		return p.URI
	case *protocol.SubscribeParams:
		return p.URI
	case json.RawMessage:
		var bag struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(p, &bag) == nil {
			return bag.URI
		}
	}
	return ""
}

// paramToolName pulls a tool name out of the decoded parameter variant.
func paramToolName(params interface{}) string {
	switch p := params.(type) {
	case *protocol.ToolsCallParams:
		return p.Name
	case json.RawMessage:
		var bag struct {
			Name string `json:"name"`
			Tool string `json:"tool"`
		}
		if json.Unmarshal(p, &bag) == nil {
			if bag.Name != "" {
				return bag.Name
			}
			return bag.Tool
		}
	}
	return ""
}
