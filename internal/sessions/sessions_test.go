package sessions_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/internal/gateway"
	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/internal/sessions"
	"github.com/conhub/conhub/internal/webhooks"
	"github.com/conhub/conhub/pkg/models"
)

// newStack wires a real gateway over the built-in agent connectors so
// consultation follows the full routing path.
func newStack(t *testing.T) *sessions.Manager {
	t.Helper()
	reg := connector.NewRegistry(map[string]connector.Builder{
		"amazon_q": connector.NewAmazonQ,
		"cline":    connector.NewCline,
	}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	eng := rules.NewEngine(nil)
	gw := gateway.New(reg, eng, "amazon_q")
	cm := sessions.NewConnectionManager(eng, 0)
	return sessions.NewManager(cm, gw)
}

func TestAmazonQSessionRoundTrip(t *testing.T) {
	m := newStack(t)

	agent, err := m.RegisterAgent(models.AgentAmazonQ, "q-dev", "1.0", nil)
	if err != nil {
		t.Fatalf("RegisterAgent() = %v", err)
	}
	s, err := m.CreateSession(agent.ID, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	reply, err := m.SendMessage(context.Background(), s.ID, "What is AWS Lambda?")
	if err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	if reply.Content == "" {
		t.Fatal("consultation produced an empty reply")
	}
	if !strings.Contains(reply.Content, "Lambda") {
		t.Errorf("reply %q does not mention Lambda", reply.Content)
	}

	got, ok := m.GetSession(s.ID)
	if !ok {
		t.Fatal("session vanished")
	}
	if len(got.History) != 2 {
		t.Fatalf("history has %d entries, want 2", len(got.History))
	}
	if got.History[0].Role != "user" || got.History[1].Role != "assistant" {
		t.Errorf("history roles = %s, %s; want user, assistant", got.History[0].Role, got.History[1].Role)
	}
	if got.Metrics.ConsultCount != 1 {
		t.Errorf("consult count = %d, want 1", got.Metrics.ConsultCount)
	}
}

func TestClineConnectionQuota(t *testing.T) {
	m := newStack(t)

	agent, err := m.RegisterAgent(models.AgentCline, "cline-dev", "3.0", nil)
	if err != nil {
		t.Fatalf("RegisterAgent() = %v", err)
	}

	var conns []*sessions.Connection
	for i := 0; i < 3; i++ {
		c, err := m.Connect(agent.ID)
		if err != nil {
			t.Fatalf("connection %d refused: %v", i+1, err)
		}
		conns = append(conns, c)
	}

	if _, err := m.Connect(agent.ID); err == nil {
		t.Fatal("4th cline connection accepted past the quota of 3")
	} else if !strings.Contains(err.Error(), "connection") {
		t.Errorf("quota error %q carries no reason", err)
	}

	if err := m.Disconnect(agent.ID, conns[0].ID); err != nil {
		t.Fatalf("Disconnect() = %v", err)
	}
	if _, err := m.Connect(agent.ID); err != nil {
		t.Fatalf("connection after a close refused: %v", err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	m := newStack(t)
	agent, _ := m.RegisterAgent(models.AgentCustom, "custom", "1.0", nil)

	conn, err := m.Connect(agent.ID)
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	_, err = m.Connections().CompleteHandshake(conn.ID, protocol.InitializeParams{
		ProtocolVersion: "1999-01-01",
	})
	if err == nil {
		t.Fatal("handshake accepted a bad protocol version")
	}
	got, _ := m.Connections().Get(conn.ID)
	if got.Status != models.ConnectionError {
		t.Errorf("connection status = %s, want %s", got.Status, models.ConnectionError)
	}
}

func TestHandshakeNegotiatesCapabilities(t *testing.T) {
	m := newStack(t)
	agent, _ := m.RegisterAgent(models.AgentCustom, "custom", "1.0", nil)
	conn, _ := m.Connect(agent.ID)

	res, err := m.Connections().CompleteHandshake(conn.ID, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities: protocol.Tree{
			"resources": {Enabled: true, Features: map[string]bool{"subscribe": true}},
		},
		ClientInfo: models.PeerInfo{Name: "custom", Version: "1.0"},
	})
	if err != nil {
		t.Fatalf("CompleteHandshake() = %v", err)
	}
	if !res.Capabilities.HasFeature("resources", "subscribe") {
		t.Error("negotiation dropped resources.subscribe")
	}

	got, _ := m.Connections().Get(conn.ID)
	if got.Status != models.ConnectionConnected {
		t.Errorf("connection status = %s, want %s", got.Status, models.ConnectionConnected)
	}

	// A second handshake on a settled connection must fail.
	if _, err := m.Connections().CompleteHandshake(conn.ID, protocol.InitializeParams{ProtocolVersion: protocol.Version}); err == nil {
		t.Error("repeated handshake succeeded")
	}
}

func TestIdleSweepReleasesQuota(t *testing.T) {
	eng := rules.NewEngine(nil)
	cm := sessions.NewConnectionManager(eng, time.Minute)

	conn, err := cm.Open("agent-1", models.AgentCline)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if n := cm.SweepIdle(time.Now()); n != 0 {
		t.Fatalf("fresh connection swept: %d", n)
	}
	if n := cm.SweepIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", n)
	}
	got, _ := cm.Get(conn.ID)
	if got.Status != models.ConnectionDisconnected {
		t.Errorf("status after sweep = %s, want %s", got.Status, models.ConnectionDisconnected)
	}
	if cm.LiveCount(models.AgentCline) != 0 {
		t.Errorf("live count = %d after sweep, want 0", cm.LiveCount(models.AgentCline))
	}
}

func TestWebhookFanOutByAgentType(t *testing.T) {
	m := newStack(t)

	clineAgent, _ := m.RegisterAgent(models.AgentCline, "cline-dev", "3.0", nil)
	qAgent, _ := m.RegisterAgent(models.AgentAmazonQ, "q-dev", "1.0", nil)
	clineSession, _ := m.CreateSession(clineAgent.ID, "user-1")
	qSession, _ := m.CreateSession(qAgent.ID, "user-1")

	m.DispatchEvent(context.Background(), webhooks.Event{
		ID:         "ev-1",
		Provider:   "github",
		AgentType:  "cline",
		Payload:    json.RawMessage(`{"ref":"refs/heads/main"}`),
		ReceivedAt: time.Now().UTC(),
	})

	got, _ := m.GetSession(clineSession.ID)
	if len(got.History) != 1 || got.History[0].Role != "webhook" {
		t.Errorf("cline session history = %+v, want one webhook entry", got.History)
	}
	got, _ = m.GetSession(qSession.ID)
	if len(got.History) != 0 {
		t.Errorf("amazon_q session received %d events targeted at cline", len(got.History))
	}
}

func TestSessionExpirySweep(t *testing.T) {
	m := newStack(t)
	agent, _ := m.RegisterAgent(models.AgentCustom, "custom", "1.0", nil)
	s, _ := m.CreateSession(agent.ID, "user-1")

	if n := m.SweepExpired(time.Now(), time.Hour); n != 0 {
		t.Fatalf("fresh session swept: %d", n)
	}
	if n := m.SweepExpired(time.Now().Add(2*time.Hour), time.Hour); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}
	if _, ok := m.GetSession(s.ID); ok {
		t.Error("expired session still retrievable")
	}
}
