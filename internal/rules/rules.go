// Package rules implements the gateway's rule engine: a pure evaluator of
// connection quotas, resource-access permissions, input sanitization, tool
// execution policy, webhook constraints and fixed-window rate limits.
//
// The engine holds no hidden state beyond the rate-limit counters. The rule
// configuration is an immutable snapshot behind an atomically swapped
// pointer: readers always see a consistent config, writers publish a new
// one wholesale.
package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// ActionKind selects which rule categories apply to an action.
type ActionKind string

const (
	ActionConnect        ActionKind = "connect"
	ActionResourceAccess ActionKind = "resource_access"
	ActionToolExecution  ActionKind = "tool_execution"
	ActionWebhook        ActionKind = "webhook"
	ActionInput          ActionKind = "input_validation"
)

// Action describes one thing an agent (or webhook source) is attempting.
// Only the fields relevant to the Kind need to be set. LiveConnections is
// supplied by the connection manager so the evaluator stays side-effect
// free.
type Action struct {
	Kind            ActionKind
	AgentType       string
	RequestType     string
	ResourceKind    string
	ResourceURI     string
	ResourceSize    int64
	ToolName        string
	ArgumentsSize   int64
	Input           string
	PayloadSize     int64
	HasSignature    bool
	LiveConnections int
}

// Violation names one failed rule with a human-readable reason.
type Violation struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Decision is the outcome of evaluating an action. An action is allowed
// only when every applicable category allowed it.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

func (d *Decision) violate(rule, format string, args ...interface{}) {
	d.Allowed = false
	d.Violations = append(d.Violations, Violation{Rule: rule, Reason: fmt.Sprintf(format, args...)})
}

// ── Configuration snapshot ──────────────────────────────────

// ResourcePolicy is the per-agent-type resource access rule set.
// The deny list always wins over the allow list.
type ResourcePolicy struct {
	AllowedKinds      []string
	DeniedKinds       []string
	MaxResourceBytes  int64
	AllowedExtensions []string
}

// RateLimit is one fixed-window ceiling.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Config is an immutable rule configuration snapshot. Never mutate a
// published Config; build a new one and pass it to Engine.SetConfig.
type Config struct {
	// Connection quotas per agent type; UnknownConnections applies to
	// agent types with no explicit entry.
	MaxConnections     map[string]int
	UnknownConnections int

	// Resource access per agent type; DefaultResources applies when the
	// agent type has no explicit policy.
	Resources        map[string]ResourcePolicy
	DefaultResources ResourcePolicy

	// Input validation.
	MaxInputBytes     int64
	SensitivePatterns []*regexp.Regexp

	// Tool execution.
	BlockedTools     []string
	MaxArgumentBytes int64

	// Webhooks.
	MaxWebhookBytes  int64
	RequireSignature bool

	// Rate limits keyed by request type; DefaultRate applies otherwise.
	RateLimits  map[string]RateLimit
	DefaultRate RateLimit
}

// DefaultConfig returns the shipped rule configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections: map[string]int{
			"amazon_q":       5,
			"cline":          3,
			"github_copilot": 4,
		},
		UnknownConnections: 10,
		Resources: map[string]ResourcePolicy{
			"cline": {
				AllowedKinds:      []string{"repository", "document"},
				DeniedKinds:       []string{"credential"},
				MaxResourceBytes:  5 << 20,
				AllowedExtensions: []string{".go", ".rs", ".ts", ".js", ".py", ".md", ".json", ".yaml", ".yml", ".toml", ".txt"},
			},
		},
		DefaultResources: ResourcePolicy{
			DeniedKinds:       []string{"credential"},
			MaxResourceBytes:  10 << 20,
			AllowedExtensions: nil, // any extension
		},
		MaxInputBytes: 100 << 10,
		SensitivePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bapi[_-]?key\s*[:=]\s*\S{8,}`),
			regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}`),
			regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S{6,}`),
		},
		BlockedTools:     []string{"shell.exec", "system.eval"},
		MaxArgumentBytes: 64 << 10,
		MaxWebhookBytes:  1 << 20,
		RequireSignature: true,
		RateLimits: map[string]RateLimit{
			"resource_access": {Limit: 120, Window: time.Minute},
			"tool_execution":  {Limit: 60, Window: time.Minute},
			"webhook":         {Limit: 100, Window: time.Minute},
			"message":         {Limit: 60, Window: time.Minute},
		},
		DefaultRate: RateLimit{Limit: 100, Window: time.Minute},
	}
}

// ── Engine ──────────────────────────────────────────────────

// Engine evaluates actions against the current configuration snapshot.
type Engine struct {
	config  atomic.Pointer[Config]
	limiter *RateLimiter
}

// NewEngine creates an engine with the given initial configuration.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{limiter: NewRateLimiter()}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e.config.Store(cfg)
	return e
}

// Config returns the current snapshot. Callers must not mutate it.
func (e *Engine) Config() *Config {
	return e.config.Load()
}

// SetConfig atomically publishes a new configuration snapshot.
func (e *Engine) SetConfig(cfg *Config) {
	e.config.Store(cfg)
}

// Evaluate runs every category applicable to the action's kind and returns
// the combined decision. It never increments rate counters; use Allow for
// the check-and-consume rate path.
func (e *Engine) Evaluate(a Action) Decision {
	cfg := e.config.Load()
	d := Decision{Allowed: true}

	switch a.Kind {
	case ActionConnect:
		e.checkQuota(cfg, a, &d)
	case ActionResourceAccess:
		e.checkResource(cfg, a, &d)
		e.checkInput(cfg, a, &d)
	case ActionToolExecution:
		e.checkTool(cfg, a, &d)
		e.checkInput(cfg, a, &d)
	case ActionWebhook:
		e.checkWebhook(cfg, a, &d)
		e.checkInput(cfg, a, &d)
	case ActionInput:
		e.checkInput(cfg, a, &d)
	}
	return d
}

// Allow performs the rate-limit check for (agentType, requestType) and
// consumes one unit of quota only when the request is allowed. Rejected
// requests never consume quota.
func (e *Engine) Allow(agentType, requestType string, now time.Time) Decision {
	cfg := e.config.Load()
	rl, ok := cfg.RateLimits[requestType]
	if !ok {
		rl = cfg.DefaultRate
	}

	d := Decision{Allowed: true}
	key := agentType + ":" + requestType
	if !e.limiter.Allow(key, rl.Limit, rl.Window, now) {
		d.violate("rate_limit", "rate limit exceeded for %s: %d per %s", key, rl.Limit, rl.Window)
	}
	return d
}

// ── Categories ──────────────────────────────────────────────

func (e *Engine) checkQuota(cfg *Config, a Action, d *Decision) {
	limit, ok := cfg.MaxConnections[a.AgentType]
	if !ok {
		limit = cfg.UnknownConnections
	}
	if a.LiveConnections >= limit {
		d.violate("connection_quota", "agent type %q already has %d live connections (ceiling %d)",
			a.AgentType, a.LiveConnections, limit)
	}
}

func (e *Engine) checkResource(cfg *Config, a Action, d *Decision) {
	policy, ok := cfg.Resources[a.AgentType]
	if !ok {
		policy = cfg.DefaultResources
	}

	// Deny list wins over allow list.
	for _, k := range policy.DeniedKinds {
		if strings.EqualFold(k, a.ResourceKind) {
			d.violate("resource_access", "resource kind %q is denied for agent type %q", a.ResourceKind, a.AgentType)
			return
		}
	}
	if len(policy.AllowedKinds) > 0 && a.ResourceKind != "" {
		allowed := false
		for _, k := range policy.AllowedKinds {
			if strings.EqualFold(k, a.ResourceKind) {
				allowed = true
				break
			}
		}
		if !allowed {
			d.violate("resource_access", "resource kind %q is not on the allow list for agent type %q", a.ResourceKind, a.AgentType)
		}
	}

	if policy.MaxResourceBytes > 0 && a.ResourceSize > policy.MaxResourceBytes {
		d.violate("resource_access", "resource size %d exceeds ceiling %d", a.ResourceSize, policy.MaxResourceBytes)
	}

	if len(policy.AllowedExtensions) > 0 && a.ResourceURI != "" {
		ext := strings.ToLower(path.Ext(a.ResourceURI))
		if ext != "" {
			allowed := false
			for _, want := range policy.AllowedExtensions {
				if ext == want {
					allowed = true
					break
				}
			}
			if !allowed {
				d.violate("resource_access", "file extension %q is not allowed for agent type %q", ext, a.AgentType)
			}
		}
	}
}

func (e *Engine) checkInput(cfg *Config, a Action, d *Decision) {
	if a.Input == "" {
		return
	}
	if cfg.MaxInputBytes > 0 && int64(len(a.Input)) > cfg.MaxInputBytes {
		d.violate("input_validation", "input of %d bytes exceeds maximum %d", len(a.Input), cfg.MaxInputBytes)
		return
	}
	for _, re := range cfg.SensitivePatterns {
		if re.MatchString(a.Input) {
			d.violate("input_validation", "input matches sensitive content pattern %q", re.String())
			return
		}
	}
}

func (e *Engine) checkTool(cfg *Config, a Action, d *Decision) {
	for _, blocked := range cfg.BlockedTools {
		if strings.EqualFold(blocked, a.ToolName) {
			d.violate("tool_execution", "tool %q is on the block list", a.ToolName)
			break
		}
	}
	if cfg.MaxArgumentBytes > 0 && a.ArgumentsSize > cfg.MaxArgumentBytes {
		d.violate("tool_execution", "serialized arguments of %d bytes exceed ceiling %d", a.ArgumentsSize, cfg.MaxArgumentBytes)
	}
}

func (e *Engine) checkWebhook(cfg *Config, a Action, d *Decision) {
	if cfg.MaxWebhookBytes > 0 && a.PayloadSize > cfg.MaxWebhookBytes {
		d.violate("webhook", "payload of %d bytes exceeds ceiling %d", a.PayloadSize, cfg.MaxWebhookBytes)
		// Oversize payloads are rejected outright; no further checks.
		return
	}
	if cfg.RequireSignature && !a.HasSignature {
		d.violate("webhook", "payload lacks a signature and signatures are required")
	}
}
