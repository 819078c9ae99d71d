// Package models holds the shared data types exchanged between the
// gateway, the connector registry, the session layer and the HTTP API.
package models

import "time"

// AgentType identifies a class of coding agent connecting to the gateway.
type AgentType string

const (
	AgentAmazonQ       AgentType = "amazon_q"
	AgentCline         AgentType = "cline"
	AgentGitHubCopilot AgentType = "github_copilot"
	AgentCustom        AgentType = "custom"
)

// RequiresConsultation reports whether messages from this agent type are
// routed through the gateway for a connector-backed reply.
func (t AgentType) RequiresConsultation() bool {
	switch t {
	case AgentAmazonQ, AgentCline, AgentGitHubCopilot:
		return true
	}
	return false
}

// Agent is a registered coding agent.
type Agent struct {
	ID           string            `json:"id"`
	Type         AgentType         `json:"type"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// ConnectionStatus is the lifecycle state of one wire connection.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// PeerInfo names one side of a protocol handshake.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// ChatMessage is one entry in a session's history.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMetrics accumulates per-session counters.
type SessionMetrics struct {
	MessageCount   int           `json:"message_count"`
	ConsultCount   int           `json:"consult_count"`
	ConsultLatency time.Duration `json:"consult_latency"`
}

// Session is a conversation between a user and an agent, layered on top
// of the agent's connection.
type Session struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	UserID    string            `json:"user_id"`
	Status    SessionStatus     `json:"status"`
	History   []ChatMessage     `json:"history"`
	Context   map[string]string `json:"context,omitempty"`
	Metrics   SessionMetrics    `json:"metrics"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Resource is an addressable piece of data exposed by a connector.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ResourceContent is the materialized body of a resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// Tool describes an invokable operation and the JSON schema of its
// arguments.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Prompt is a reusable prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one named slot in a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Document is one search hit returned by a connector.
type Document struct {
	URI     string  `json:"uri"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Source  string  `json:"source,omitempty"`
}

// ContextBundle is the structured context a connector assembles for one
// URI: the primary content plus related documents and metadata.
type ContextBundle struct {
	URI       string            `json:"uri"`
	Content   ResourceContent   `json:"content"`
	Related   []Document        `json:"related,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// APIResponse is the uniform HTTP response envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK builds a success envelope.
func OK(message string, data interface{}) APIResponse {
	return APIResponse{Success: true, Message: message, Data: data}
}

// Fail builds a failure envelope.
func Fail(message, detail string) APIResponse {
	return APIResponse{Success: false, Message: message, Error: detail}
}
