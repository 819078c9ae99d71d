package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/internal/metrics"
	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/pkg/models"
)

// ServerName and ServerVersion identify this gateway in handshakes.
const (
	ServerName    = "conhub"
	ServerVersion = "1.0.0"
)

// Caller identifies the connection a message arrived on. Caps is the
// tree negotiated at handshake; a zero Caller is an unauthenticated
// pre-handshake caller.
type Caller struct {
	AgentID   string
	AgentType models.AgentType
	Caps      protocol.Tree
}

// Gateway validates, guards and routes protocol messages.
type Gateway struct {
	registry *connector.Registry
	router   *Router
	rules    *rules.Engine

	subMu sync.Mutex
	// subs maps resource URI to the set of subscribed agent IDs.
	subs map[string]map[string]bool

	prompts map[string]promptTemplate
}

type promptTemplate struct {
	prompt models.Prompt
	body   string
}

// registryView adapts the registry to the router's interface.
type registryView struct{ reg *connector.Registry }

func (v registryView) IDs() []string { return v.reg.IDs() }
func (v registryView) SchemesOf(id string) []string {
	d, ok := v.reg.Describe(id)
	if !ok {
		return nil
	}
	return d.Schemes
}

// New builds a gateway over a loaded registry. defaultConnector answers
// listing methods that match no routing rule.
func New(reg *connector.Registry, eng *rules.Engine, defaultConnector string) *Gateway {
	return &Gateway{
		registry: reg,
		router:   NewRouter(registryView{reg}, defaultConnector),
		rules:    eng,
		subs:     make(map[string]map[string]bool),
		prompts:  builtinPrompts(),
	}
}

// Router exposes the routing table for callers that resolve without
// dispatching.
func (g *Gateway) Router() *Router { return g.router }

// Dispatch handles one inbound message and returns the response to send
// back, or nil for notifications. A panic inside any handler becomes an
// internal protocol error instead of tearing down the connection.
func (g *Gateway) Dispatch(ctx context.Context, caller Caller, msg *protocol.Message) (resp *protocol.Message) {
	start := time.Now()
	method := msg.Method

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("method", method).Msg("handler panicked")
			resp = g.errResp(msg, protocol.Errorf(protocol.CodeInternalError, "internal error handling %s", method))
		}
		outcome := "ok"
		if resp != nil && resp.Error != nil {
			outcome = strconv.Itoa(resp.Error.Code)
		}
		metrics.RequestsTotal.WithLabelValues(method, outcome).Inc()
		metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if perr := msg.Validate(); perr != nil {
		return g.errResp(msg, perr)
	}
	if msg.Kind() == protocol.KindResponse {
		// Agents do not issue us requests; stray responses are dropped.
		return nil
	}

	params, perr := protocol.DecodeParams(method, msg.Params)
	if perr != nil {
		return g.errResp(msg, perr)
	}

	if d := g.rules.Allow(string(caller.AgentType), requestType(method), time.Now()); !d.Allowed {
		g.countViolations(d)
		return g.errResp(msg, violationError(protocol.CodeRateLimited, d))
	}
	if d := g.guard(caller, method, params); !d.Allowed {
		g.countViolations(d)
		return g.errResp(msg, violationError(protocol.CodeAuthFailed, d))
	}

	target := g.router.Resolve(method, params, caller.AgentID)
	switch target.Kind {
	case TargetLocal:
		return g.handleLocal(ctx, caller, msg, params)
	case TargetConnector:
		return g.handleConnector(ctx, caller, target.ConnectorID, msg, params)
	default:
		return g.errResp(msg, protocol.Errorf(protocol.CodeMethodNotFound, "method %q matched no connector or handler", method))
	}
}

// requestType buckets a method for rate limiting.
func requestType(method string) string {
	switch {
	case strings.HasPrefix(method, "resources/"):
		return "resource_access"
	case strings.HasPrefix(method, "tools/"):
		return "tool_execution"
	default:
		return "message"
	}
}

// guard runs the non-rate rule categories that apply to a method.
func (g *Gateway) guard(caller Caller, method string, params interface{}) rules.Decision {
	switch p := params.(type) {
	case *protocol.ResourcesReadParams:
		return g.rules.Evaluate(rules.Action{
			Kind:        rules.ActionResourceAccess,
			AgentType:   string(caller.AgentType),
			ResourceURI: p.URI,
		})
	case *protocol.ToolsCallParams:
		return g.rules.Evaluate(rules.Action{
			Kind:          rules.ActionToolExecution,
			AgentType:     string(caller.AgentType),
			ToolName:      p.Name,
			ArgumentsSize: int64(len(p.Arguments)),
			Input:         string(p.Arguments),
		})
	}
	return rules.Decision{Allowed: true}
}

func (g *Gateway) countViolations(d rules.Decision) {
	for _, v := range d.Violations {
		metrics.RuleViolations.WithLabelValues(v.Rule).Inc()
	}
}

func violationError(code int, d rules.Decision) *protocol.Error {
	reasons := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		reasons = append(reasons, v.Reason)
	}
	perr := protocol.Errorf(code, "request rejected: %s", strings.Join(reasons, "; "))
	perr.Data = d.Violations
	return perr
}

// errResp shapes a protocol error into a response, or nil when the
// failing message was a notification and has nothing to answer.
func (g *Gateway) errResp(msg *protocol.Message, perr *protocol.Error) *protocol.Message {
	if !msg.HasID() {
		log.Debug().Int("code", perr.Code).Str("method", msg.Method).Msg("dropping error for notification")
		return nil
	}
	return protocol.NewErrorResponse(msg.ID, perr)
}

func (g *Gateway) okResp(msg *protocol.Message, result interface{}) *protocol.Message {
	if !msg.HasID() {
		return nil
	}
	return protocol.NewResponse(msg.ID, result)
}

// ── Local handlers ──────────────────────────────────────────

func (g *Gateway) handleLocal(ctx context.Context, caller Caller, msg *protocol.Message, params interface{}) *protocol.Message {
	switch msg.Method {
	case protocol.MethodInitialize:
		p := params.(*protocol.InitializeParams)
		if p.ProtocolVersion != protocol.Version {
			return g.errResp(msg, protocol.Errorf(protocol.CodeInvalidRequest,
				"unsupported protocol version %q, this gateway speaks %q", p.ProtocolVersion, protocol.Version))
		}
		return g.okResp(msg, protocol.InitializeResult{
			ProtocolVersion: protocol.Version,
			Capabilities:    protocol.Negotiate(p.Capabilities, protocol.ServerCapabilities()),
			ServerInfo:      models.PeerInfo{Name: ServerName, Version: ServerVersion},
		})

	case protocol.MethodPing:
		return g.okResp(msg, struct{}{})

	case protocol.MethodPromptsList:
		names := make([]string, 0, len(g.prompts))
		for name := range g.prompts {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]models.Prompt, 0, len(names))
		for _, name := range names {
			out = append(out, g.prompts[name].prompt)
		}
		return g.okResp(msg, map[string]interface{}{"prompts": out})

	case protocol.MethodPromptsGet:
		p := params.(*protocol.PromptsGetParams)
		tmpl, ok := g.prompts[p.Name]
		if !ok {
			return g.errResp(msg, protocol.Errorf(protocol.CodePromptNotFound, "no prompt named %q", p.Name))
		}
		body := tmpl.body
		for arg, val := range p.Arguments {
			body = strings.ReplaceAll(body, "{{"+arg+"}}", val)
		}
		return g.okResp(msg, map[string]interface{}{
			"description": tmpl.prompt.Description,
			"messages": []map[string]string{
				{"role": "user", "content": body},
			},
		})

	case protocol.MethodSetLogLevel:
		p := params.(*protocol.SetLogLevelParams)
		if _, err := parseLogLevel(p.Level); err != nil {
			return g.errResp(msg, protocol.Errorf(protocol.CodeInvalidParams, "unknown log level %q", p.Level))
		}
		log.Info().Str("level", p.Level).Str("agent", caller.AgentID).Msg("log level set for connection")
		return g.okResp(msg, struct{}{})

	case protocol.MethodInitialized, protocol.MethodProgress:
		return nil
	}
	return g.errResp(msg, protocol.Errorf(protocol.CodeMethodNotFound, "no local handler for %q", msg.Method))
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

func parseLogLevel(level string) (string, error) {
	l := strings.ToLower(level)
	if !logLevels[l] {
		return "", fmt.Errorf("unknown level %q", level)
	}
	return l, nil
}

// ── Connector dispatch ──────────────────────────────────────

func (g *Gateway) handleConnector(ctx context.Context, caller Caller, id string, msg *protocol.Message, params interface{}) *protocol.Message {
	ctx, cancel := context.WithTimeout(ctx, connector.CallTimeout)
	defer cancel()

	var (
		result interface{}
		err    error
		op     string
	)
	switch msg.Method {
	case protocol.MethodResourcesList:
		op = connector.OpFetch
		p, _ := params.(*protocol.ResourcesListParams)
		cursor := ""
		if p != nil {
			cursor = p.Cursor
		}
		err = g.registry.With(ctx, id, op, func(c connector.Connector) error {
			out, ferr := c.Fetch(ctx, connector.FetchQuery{Cursor: cursor})
			if ferr != nil {
				return ferr
			}
			result = map[string]interface{}{"resources": out.Resources, "next_cursor": out.NextCursor}
			return nil
		})

	case protocol.MethodResourcesRead:
		op = connector.OpGetContext
		p := params.(*protocol.ResourcesReadParams)
		err = g.registry.With(ctx, id, op, func(c connector.Connector) error {
			bundle, gerr := c.GetContext(ctx, p.URI)
			if gerr != nil {
				return gerr
			}
			result = map[string]interface{}{"contents": []models.ResourceContent{bundle.Content}}
			return nil
		})

	case protocol.MethodResourcesSubscribe:
		p := params.(*protocol.SubscribeParams)
		g.subscribe(p.URI, caller.AgentID)
		return g.okResp(msg, struct{}{})

	case protocol.MethodResourcesUnsubscribe:
		p := params.(*protocol.SubscribeParams)
		g.unsubscribe(p.URI, caller.AgentID)
		return g.okResp(msg, struct{}{})

	case protocol.MethodToolsList:
		return g.okResp(msg, map[string]interface{}{"tools": g.derivedTools()})

	case protocol.MethodToolsCall:
		p := params.(*protocol.ToolsCallParams)
		op, result, err = g.callTool(ctx, id, p)

	default:
		return g.errResp(msg, protocol.Errorf(protocol.CodeMethodNotFound,
			"connector %q does not handle %q", id, msg.Method))
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if op != "" {
		metrics.ConnectorCalls.WithLabelValues(id, op, outcome).Inc()
	}

	if err != nil {
		return g.errResp(msg, toProtocolError(ctx, id, err))
	}
	return g.okResp(msg, result)
}

// toProtocolError maps a connector failure onto the error code space.
func toProtocolError(ctx context.Context, id string, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	if ctx.Err() == context.DeadlineExceeded {
		return protocol.Errorf(protocol.CodeTimeout, "connector %q timed out", id)
	}
	return protocol.Errorf(protocol.CodeInternalError, "connector %q: %v", id, err)
}

// derivedTools exposes each connector's operations as namespaced tools.
func (g *Gateway) derivedTools() []models.Tool {
	var tools []models.Tool
	for _, d := range g.registry.Descriptors() {
		tools = append(tools,
			models.Tool{
				Name:        d.ID + ".search",
				Description: fmt.Sprintf("Search %s for documents matching a query.", d.Name),
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{"type": "string"},
						"limit": map[string]interface{}{"type": "integer"},
					},
					"required": []string{"query"},
				},
			},
			models.Tool{
				Name:        d.ID + ".fetch",
				Description: fmt.Sprintf("List resources exposed by %s.", d.Name),
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"uri":   map[string]interface{}{"type": "string"},
						"limit": map[string]interface{}{"type": "integer"},
					},
				},
			},
			models.Tool{
				Name:        d.ID + ".get_context",
				Description: fmt.Sprintf("Assemble structured context for a URI from %s.", d.Name),
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"uri": map[string]interface{}{"type": "string"},
					},
					"required": []string{"uri"},
				},
			},
		)
	}
	return tools
}

func (g *Gateway) callTool(ctx context.Context, id string, p *protocol.ToolsCallParams) (string, interface{}, error) {
	dot := strings.LastIndex(p.Name, ".")
	if dot < 0 {
		return "", nil, protocol.Errorf(protocol.CodeToolNotFound, "no tool named %q", p.Name)
	}
	opName := p.Name[dot+1:]

	var result interface{}
	var op string
	err := g.registry.With(ctx, id, opName, func(c connector.Connector) error {
		switch opName {
		case "search":
			op = connector.OpSearch
			var args struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if len(p.Arguments) > 0 {
				if uerr := json.Unmarshal(p.Arguments, &args); uerr != nil {
					return protocol.Errorf(protocol.CodeInvalidParams, "bad arguments for %s: %v", p.Name, uerr)
				}
			}
			docs, serr := c.Search(ctx, args.Query, args.Limit)
			if serr != nil {
				return serr
			}
			result = map[string]interface{}{"documents": docs}
			return nil

		case "fetch":
			op = connector.OpFetch
			var q connector.FetchQuery
			if len(p.Arguments) > 0 {
				if uerr := json.Unmarshal(p.Arguments, &q); uerr != nil {
					return protocol.Errorf(protocol.CodeInvalidParams, "bad arguments for %s: %v", p.Name, uerr)
				}
			}
			out, ferr := c.Fetch(ctx, q)
			if ferr != nil {
				return ferr
			}
			result = out
			return nil

		case "get_context":
			op = connector.OpGetContext
			var args struct {
				URI string `json:"uri"`
			}
			if len(p.Arguments) > 0 {
				if uerr := json.Unmarshal(p.Arguments, &args); uerr != nil {
					return protocol.Errorf(protocol.CodeInvalidParams, "bad arguments for %s: %v", p.Name, uerr)
				}
			}
			bundle, gerr := c.GetContext(ctx, args.URI)
			if gerr != nil {
				return gerr
			}
			result = bundle
			return nil
		}
		return protocol.Errorf(protocol.CodeToolNotFound, "connector %q has no tool operation %q", id, opName)
	})
	return op, result, err
}

// ── Subscriptions ───────────────────────────────────────────

func (g *Gateway) subscribe(uri, agentID string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	set, ok := g.subs[uri]
	if !ok {
		set = make(map[string]bool)
		g.subs[uri] = set
	}
	set[agentID] = true
}

func (g *Gateway) unsubscribe(uri, agentID string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	if set, ok := g.subs[uri]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(g.subs, uri)
		}
	}
}

// Subscribers returns the agent IDs subscribed to a URI.
func (g *Gateway) Subscribers(uri string) []string {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	out := make([]string, 0, len(g.subs[uri]))
	for id := range g.subs[uri] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ── Consultation ────────────────────────────────────────────

// Consult routes a free-text prompt to the connector matching the
// agent's identity and returns the assembled answer. It backs session
// messaging for agent types that require consultation.
func (g *Gateway) Consult(ctx context.Context, agentID string, agentType models.AgentType, prompt string) (string, error) {
	target := g.router.Resolve("", nil, string(agentType))
	if target.Kind != TargetConnector {
		target = g.router.Resolve("", nil, agentID)
	}
	if target.Kind != TargetConnector {
		return "", fmt.Errorf("no connector matches agent %q (%s)", agentID, agentType)
	}

	desc, ok := g.registry.Describe(target.ConnectorID)
	if !ok || len(desc.Schemes) == 0 {
		return "", fmt.Errorf("connector %q is not available", target.ConnectorID)
	}

	if d := g.rules.Evaluate(rules.Action{Kind: rules.ActionInput, AgentType: string(agentType), Input: prompt}); !d.Allowed {
		g.countViolations(d)
		return "", violationError(protocol.CodeAuthFailed, d)
	}

	ctx, cancel := context.WithTimeout(ctx, connector.CallTimeout)
	defer cancel()

	var answer string
	uri := desc.Schemes[0] + "://consult/" + prompt
	err := g.registry.With(ctx, target.ConnectorID, connector.OpGetContext, func(c connector.Connector) error {
		bundle, gerr := c.GetContext(ctx, uri)
		if gerr != nil {
			return gerr
		}
		answer = bundle.Content.Text
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

func builtinPrompts() map[string]promptTemplate {
	return map[string]promptTemplate{
		"summarize_resource": {
			prompt: models.Prompt{
				Name:        "summarize_resource",
				Description: "Summarize the content of a resource for an agent.",
				Arguments: []models.PromptArgument{
					{Name: "uri", Description: "Resource URI to summarize", Required: true},
				},
			},
			body: "Summarize the resource at {{uri}} in a few sentences, focusing on what a coding agent would need to know.",
		},
		"explain_error": {
			prompt: models.Prompt{
				Name:        "explain_error",
				Description: "Explain an error message and suggest a fix.",
				Arguments: []models.PromptArgument{
					{Name: "error", Description: "The error output", Required: true},
					{Name: "context", Description: "Surrounding code or logs"},
				},
			},
			body: "Explain this error and suggest a concrete fix:\n\n{{error}}\n\nContext:\n{{context}}",
		},
		"review_changes": {
			prompt: models.Prompt{
				Name:        "review_changes",
				Description: "Review a set of code changes.",
				Arguments: []models.PromptArgument{
					{Name: "diff", Description: "Unified diff to review", Required: true},
				},
			},
			body: "Review the following changes for correctness and clarity:\n\n{{diff}}",
		},
	}
}
