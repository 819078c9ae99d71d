package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/webhooks"
	"github.com/conhub/conhub/pkg/models"
)

// Consulter obtains a reply for an agent's message. The gateway
// implements it by routing the prompt to the matching connector.
type Consulter interface {
	Consult(ctx context.Context, agentID string, agentType models.AgentType, prompt string) (string, error)
}

// Manager owns agent registrations and chat sessions. It implements
// webhooks.Sink so verified webhook events fan out into the sessions of
// the matching agent type.
type Manager struct {
	connections *ConnectionManager
	consulter   Consulter

	mu       sync.Mutex
	agents   map[string]*models.Agent
	sessions map[string]*models.Session
	// connsOf maps agent ID to its open connection IDs.
	connsOf map[string][]string
}

// NewManager builds the session manager over a connection manager and a
// consulter.
func NewManager(cm *ConnectionManager, consulter Consulter) *Manager {
	return &Manager{
		connections: cm,
		consulter:   consulter,
		agents:      make(map[string]*models.Agent),
		sessions:    make(map[string]*models.Session),
		connsOf:     make(map[string][]string),
	}
}

// Connections exposes the underlying connection manager.
func (m *Manager) Connections() *ConnectionManager { return m.connections }

// ── Agents ──────────────────────────────────────────────────

// RegisterAgent records a new agent and returns it with a fresh ID.
func (m *Manager) RegisterAgent(agentType models.AgentType, name, version string, capabilities []string) (*models.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	agent := &models.Agent{
		ID:           string(agentType) + "-" + uuid.NewString(),
		Type:         agentType,
		Name:         name,
		Version:      version,
		Capabilities: capabilities,
		RegisteredAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	log.Info().Str("agent", agent.ID).Str("type", string(agentType)).Msg("agent registered")
	return agent, nil
}

// GetAgent returns a registered agent.
func (m *Manager) GetAgent(agentID string) (*models.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// ListAgents returns every registered agent sorted by registration time.
func (m *Manager) ListAgents() []*models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Connect opens a wire connection for a registered agent. Quota
// enforcement happens in the connection manager.
func (m *Manager) Connect(agentID string) (*Connection, error) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", agentID)
	}

	conn, err := m.connections.Open(agentID, agent.Type)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connsOf[agentID] = append(m.connsOf[agentID], conn.ID)
	m.mu.Unlock()
	return conn, nil
}

// Disconnect closes one of an agent's connections.
func (m *Manager) Disconnect(agentID, connID string) error {
	m.mu.Lock()
	ids := m.connsOf[agentID]
	found := false
	for i, id := range ids {
		if id == connID {
			m.connsOf[agentID] = append(ids[:i], ids[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("connection %q does not belong to agent %q", connID, agentID)
	}
	m.connections.Close(connID)
	return nil
}

// ── Sessions ────────────────────────────────────────────────

// CreateSession opens a session for a registered agent and a user.
func (m *Manager) CreateSession(agentID, userID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return nil, fmt.Errorf("agent %q is not registered", agentID)
	}
	now := time.Now().UTC()
	s := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		UserID:    userID,
		Status:    models.SessionActive,
		Context:   make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s

	cp := cloneSession(s)
	return cp, nil
}

// GetSession returns a copy of one session.
func (m *Manager) GetSession(sessionID string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// ListSessions returns copies of every session, optionally filtered by
// agent ID.
func (m *Manager) ListSessions(agentID string) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteSession closes and removes a session.
func (m *Manager) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %q", sessionID)
	}
	s.Status = models.SessionClosed
	delete(m.sessions, sessionID)
	return nil
}

// SetContext stores a key/value pair on a session's shared context.
func (m *Manager) SetContext(sessionID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %q", sessionID)
	}
	s.Context[key] = value
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// SendMessage appends the user's message to the session history. When
// the session's agent type requires consultation, the reply obtained
// through the consulter is appended as well and returned; the history
// then holds the request and the reply in order.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*models.ChatMessage, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no session %q", sessionID)
	}
	if s.Status != models.SessionActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q is %s", sessionID, s.Status)
	}
	agent := m.agents[s.AgentID]
	if agent == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q references unregistered agent %q", sessionID, s.AgentID)
	}

	now := time.Now().UTC()
	userMsg := models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   content,
		CreatedAt: now,
	}
	s.History = append(s.History, userMsg)
	s.Metrics.MessageCount++
	s.UpdatedAt = now

	agentID, agentType := agent.ID, agent.Type
	needsReply := agentType.RequiresConsultation()
	m.mu.Unlock()

	if !needsReply {
		return &userMsg, nil
	}

	// The consultation runs a network call, so no lock is held across it.
	start := time.Now()
	answer, err := m.consulter.Consult(ctx, agentID, agentType, content)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("consultation failed: %w", err)
	}

	reply := models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   answer,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.History = append(s.History, reply)
		s.Metrics.MessageCount++
		s.Metrics.ConsultCount++
		s.Metrics.ConsultLatency += elapsed
		s.UpdatedAt = reply.CreatedAt
	}
	m.mu.Unlock()

	return &reply, nil
}

// Metrics aggregates counters across every session.
func (m *Manager) Metrics() models.SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total models.SessionMetrics
	for _, s := range m.sessions {
		total.MessageCount += s.Metrics.MessageCount
		total.ConsultCount += s.Metrics.ConsultCount
		total.ConsultLatency += s.Metrics.ConsultLatency
	}
	return total
}

// SweepExpired deletes sessions idle past maxAge and returns the count.
func (m *Manager) SweepExpired(now time.Time, maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.UpdatedAt) > maxAge {
			s.Status = models.SessionClosed
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ── Webhook fan-out ─────────────────────────────────────────

// DispatchEvent appends a verified webhook event to the history of
// every active session whose agent type matches the event's target. An
// event with no agent type reaches every active session.
func (m *Manager) DispatchEvent(ctx context.Context, ev webhooks.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delivered := 0
	for _, s := range m.sessions {
		if s.Status != models.SessionActive {
			continue
		}
		agent := m.agents[s.AgentID]
		if agent == nil {
			continue
		}
		if ev.AgentType != "" && string(agent.Type) != ev.AgentType {
			continue
		}
		s.History = append(s.History, models.ChatMessage{
			ID:        uuid.NewString(),
			Role:      "webhook",
			Content:   string(ev.Payload),
			CreatedAt: ev.ReceivedAt,
		})
		s.UpdatedAt = time.Now().UTC()
		delivered++
	}

	log.Info().
		Str("event", ev.ID).
		Str("provider", ev.Provider).
		Int("sessions", delivered).
		Msg("webhook event dispatched")
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	cp.History = append([]models.ChatMessage(nil), s.History...)
	cp.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	return &cp
}
