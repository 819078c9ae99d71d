// Package sessions manages agent registration, wire connections and the
// chat sessions layered on top of them.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/metrics"
	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/pkg/models"
)

// DefaultIdleTimeout closes connections with no traffic for this long.
const DefaultIdleTimeout = 30 * time.Minute

// Connection is one live protocol channel owned by an agent. Caps is
// nil until the handshake completes and immutable afterwards.
type Connection struct {
	ID           string                  `json:"id"`
	AgentID      string                  `json:"agent_id"`
	AgentType    models.AgentType        `json:"agent_type"`
	Status       models.ConnectionStatus `json:"status"`
	Caps         protocol.Tree           `json:"capabilities,omitempty"`
	Peer         models.PeerInfo         `json:"peer,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
}

// ConnectionManager owns the connection table and enforces per-type
// quotas through the rule engine.
type ConnectionManager struct {
	rules *rules.Engine

	mu    sync.Mutex
	conns map[string]*Connection
	// live counts connected or connecting connections per agent type.
	live map[models.AgentType]int

	idleTimeout time.Duration
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
}

// NewConnectionManager builds the manager. idleTimeout <= 0 uses the
// default.
func NewConnectionManager(eng *rules.Engine, idleTimeout time.Duration) *ConnectionManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &ConnectionManager{
		rules:       eng,
		conns:       make(map[string]*Connection),
		live:        make(map[models.AgentType]int),
		idleTimeout: idleTimeout,
	}
}

// Open admits a new connection in the connecting state, or rejects it
// when the agent type's quota is exhausted. The quota check and the
// count increment happen under one lock so concurrent opens cannot
// oversubscribe.
func (m *ConnectionManager) Open(agentID string, agentType models.AgentType) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.rules.Evaluate(rules.Action{
		Kind:            rules.ActionConnect,
		AgentType:       string(agentType),
		LiveConnections: m.live[agentType],
	})
	if !d.Allowed {
		return nil, fmt.Errorf("connection refused: %s", d.Violations[0].Reason)
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		AgentType:    agentType,
		Status:       models.ConnectionConnecting,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.conns[conn.ID] = conn
	m.live[agentType]++
	metrics.ActiveConnections.WithLabelValues(string(agentType)).Inc()

	log.Info().
		Str("connection", conn.ID).
		Str("agent", agentID).
		Str("agent_type", string(agentType)).
		Msg("connection opened")
	return m.snapshot(conn), nil
}

// CompleteHandshake moves a connecting connection to connected after
// checking the protocol version and negotiating capabilities. A version
// mismatch moves it to the error state instead; the caller closes the
// transport.
func (m *ConnectionManager) CompleteHandshake(connID string, p protocol.InitializeParams) (*protocol.InitializeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, fmt.Errorf("no connection %q", connID)
	}
	if conn.Status != models.ConnectionConnecting {
		return nil, fmt.Errorf("connection %q is %s, handshake already settled", connID, conn.Status)
	}

	if p.ProtocolVersion != protocol.Version {
		conn.Status = models.ConnectionError
		return nil, fmt.Errorf("protocol version %q not supported, want %q", p.ProtocolVersion, protocol.Version)
	}

	conn.Caps = protocol.Negotiate(p.Capabilities, protocol.ServerCapabilities())
	conn.Peer = p.ClientInfo
	conn.Status = models.ConnectionConnected
	conn.LastActivity = time.Now().UTC()

	log.Info().
		Str("connection", connID).
		Str("peer", p.ClientInfo.Name).
		Msg("handshake completed")
	return &protocol.InitializeResult{
		ProtocolVersion: protocol.Version,
		Capabilities:    conn.Caps,
		ServerInfo:      models.PeerInfo{Name: "conhub", Version: "1.0.0"},
	}, nil
}

// Touch records activity on a connection.
func (m *ConnectionManager) Touch(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		conn.LastActivity = time.Now().UTC()
	}
}

// Close moves a connection to disconnected and releases its quota slot.
// Closing twice is a no-op.
func (m *ConnectionManager) Close(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(connID)
}

func (m *ConnectionManager) closeLocked(connID string) {
	conn, ok := m.conns[connID]
	if !ok || conn.Status == models.ConnectionDisconnected {
		return
	}
	conn.Status = models.ConnectionDisconnected
	if m.live[conn.AgentType] > 0 {
		m.live[conn.AgentType]--
	}
	metrics.ActiveConnections.WithLabelValues(string(conn.AgentType)).Dec()
	log.Info().Str("connection", connID).Msg("connection closed")
}

// Get returns a copy of one connection.
func (m *ConnectionManager) Get(connID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	return m.snapshot(conn), true
}

// List returns copies of every connection, sorted by creation time.
func (m *ConnectionManager) List() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, m.snapshot(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LiveCount reports the connected or connecting count for a type.
func (m *ConnectionManager) LiveCount(agentType models.AgentType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[agentType]
}

// snapshot copies a connection so callers never share the live struct.
// Callers hold m.mu.
func (m *ConnectionManager) snapshot(conn *Connection) *Connection {
	cp := *conn
	return &cp
}

// SweepIdle closes connections whose last activity is older than the
// idle timeout and returns how many it closed.
func (m *ConnectionManager) SweepIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := 0
	for id, conn := range m.conns {
		if conn.Status == models.ConnectionDisconnected {
			continue
		}
		if now.Sub(conn.LastActivity) > m.idleTimeout {
			m.closeLocked(id)
			closed++
		}
	}
	return closed
}

// StartSweeper runs SweepIdle periodically until ctx is cancelled.
func (m *ConnectionManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopSweep = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.SweepIdle(time.Now()); n > 0 {
					log.Info().Int("closed", n).Msg("idle connections swept")
				}
			}
		}
	}()
}

// StopSweeper halts the periodic sweep.
func (m *ConnectionManager) StopSweeper() {
	if m.stopSweep != nil {
		m.stopSweep()
		<-m.sweepDone
	}
}
