package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/conhub/conhub/internal/metrics"
	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/pkg/models"
)

// ProviderConfig carries one provider's verification material. Secret
// values only ever arrive here from the configuration boundary.
type ProviderConfig struct {
	Secret    string
	Algorithm string
}

// Config tunes the ingestion service.
type Config struct {
	Providers       map[string]ProviderConfig
	MaxPayloadBytes int64
	QueueSize       int
	RatePerSecond   float64
	RateBurst       int
}

// Event is one verified, parsed webhook delivery headed for fan-out.
type Event struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	AgentType  string          `json:"agent_type,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Sink receives verified events. The session layer implements it.
type Sink interface {
	DispatchEvent(ctx context.Context, ev Event)
}

// ProviderStats counts deliveries per provider.
type ProviderStats struct {
	Received int64     `json:"received"`
	Rejected int64     `json:"rejected"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// HandlerRecord is a registered downstream handler for an agent type.
type HandlerRecord struct {
	ID           string    `json:"id"`
	AgentType    string    `json:"agent_type"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Service is the webhook ingestion gateway. Verified events go through
// a bounded queue so a slow consumer applies backpressure as 503s
// instead of unbounded memory growth.
type Service struct {
	cfg   Config
	rules *rules.Engine
	sink  Sink
	queue chan Event

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	statsMu sync.Mutex
	stats   map[string]*ProviderStats

	handlersMu sync.Mutex
	handlers   map[string]HandlerRecord

	done chan struct{}
}

// NewService builds the gateway. Zero config fields get working
// defaults.
func NewService(cfg Config, eng *rules.Engine, sink Sink) *Service {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &Service{
		cfg:      cfg,
		rules:    eng,
		sink:     sink,
		queue:    make(chan Event, cfg.QueueSize),
		limiters: make(map[string]*rate.Limiter),
		stats:    make(map[string]*ProviderStats),
		handlers: make(map[string]HandlerRecord),
		done:     make(chan struct{}),
	}
}

// Start runs the dispatch worker until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.queue:
				s.sink.DispatchEvent(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the dispatch worker has stopped.
func (s *Service) Wait() { <-s.done }

// Routes mounts every webhook endpoint.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/github", s.handleGitHub)
	r.Post("/gitlab", s.handleGitLab)
	r.Post("/stripe", s.handleStripe)
	r.Get("/dropbox", s.handleDropboxChallenge)
	r.Post("/dropbox", s.handleDropbox)
	r.Post("/generic/{agentType}", s.handleGeneric)
	r.Post("/test", s.handleTest)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Post("/handlers", s.handleRegister)
	r.Post("/validate-signature", s.handleValidateSignature)
	return r
}

// ── Provider endpoints ──────────────────────────────────────

func (s *Service) handleGitHub(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "github", func(payload []byte) error {
		pc, ok := s.cfg.Providers["github"]
		if !ok || pc.Secret == "" {
			return fmt.Errorf("no secret configured for github")
		}
		sig := r.Header.Get("X-Hub-Signature-256")
		algo := AlgoSHA256
		if sig == "" {
			sig = r.Header.Get("X-Hub-Signature")
			algo = AlgoSHA1
		}
		if sig == "" {
			return fmt.Errorf("missing signature header")
		}
		if !VerifyHMAC(sig, []byte(pc.Secret), payload, algo) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}, r.Header.Get("X-GitHub-Event"))
}

func (s *Service) handleGitLab(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "gitlab", func(payload []byte) error {
		pc, ok := s.cfg.Providers["gitlab"]
		if !ok || pc.Secret == "" {
			return fmt.Errorf("no secret configured for gitlab")
		}
		token := r.Header.Get("X-Gitlab-Token")
		if token == "" {
			return fmt.Errorf("missing token header")
		}
		if !VerifyToken(token, pc.Secret) {
			return fmt.Errorf("token mismatch")
		}
		return nil
	}, r.Header.Get("X-Gitlab-Event"))
}

func (s *Service) handleStripe(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "stripe", func(payload []byte) error {
		pc, ok := s.cfg.Providers["stripe"]
		if !ok || pc.Secret == "" {
			return fmt.Errorf("no secret configured for stripe")
		}
		header := r.Header.Get("Stripe-Signature")
		if header == "" {
			return fmt.Errorf("missing signature header")
		}
		return VerifyStripe(header, []byte(pc.Secret), payload, time.Now())
	}, "")
}

// handleDropboxChallenge echoes the verification challenge Dropbox
// sends when a webhook URL is first registered.
func (s *Service) handleDropboxChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Write([]byte(challenge))
}

func (s *Service) handleDropbox(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "dropbox", func(payload []byte) error {
		pc, ok := s.cfg.Providers["dropbox"]
		if !ok || pc.Secret == "" {
			return fmt.Errorf("no secret configured for dropbox")
		}
		sig := r.Header.Get("X-Dropbox-Signature")
		if sig == "" {
			return fmt.Errorf("missing signature header")
		}
		if !VerifyHMAC(sig, []byte(pc.Secret), payload, AlgoSHA256) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}, "")
}

// handleGeneric accepts a signed payload for an arbitrary agent type,
// verified with the "generic" provider secret.
func (s *Service) handleGeneric(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	s.ingestAs(w, r, "generic", agentType, func(payload []byte) error {
		pc, ok := s.cfg.Providers["generic"]
		if !ok || pc.Secret == "" {
			return fmt.Errorf("no secret configured for generic webhooks")
		}
		algo := pc.Algorithm
		if algo == "" {
			algo = AlgoSHA256
		}
		sig := r.Header.Get("X-Webhook-Signature")
		if sig == "" {
			return fmt.Errorf("missing signature header")
		}
		if !VerifyHMAC(sig, []byte(pc.Secret), payload, algo) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}, r.Header.Get("X-Webhook-Event"))
}

// handleTest injects a synthetic unsigned event. It still runs the rule
// engine, so oversize or sensitive test payloads are rejected like real
// ones.
func (s *Service) handleTest(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readPayload(w, r, "test")
	if !ok {
		return
	}
	ev, err := s.buildEvent("test", "", "synthetic", payload)
	if err != nil {
		s.reject(w, r, "test", http.StatusBadRequest, err.Error())
		return
	}
	if !s.enqueue(w, r, ev) {
		return
	}
	s.accepted(w, "test", ev)
}

// ── Shared pipeline ─────────────────────────────────────────

// ingest runs the fixed processing order: size ceiling, signature over
// raw bytes, parse, rule engine, enqueue. Nothing is parsed before the
// signature verifies.
func (s *Service) ingest(w http.ResponseWriter, r *http.Request, provider string, verify func([]byte) error, kind string) {
	s.ingestAs(w, r, provider, "", verify, kind)
}

func (s *Service) ingestAs(w http.ResponseWriter, r *http.Request, provider, agentType string, verify func([]byte) error, kind string) {
	if !s.limiter(provider + "/" + sourceHost(r)).Allow() {
		s.reject(w, r, provider, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	payload, ok := s.readPayload(w, r, provider)
	if !ok {
		return
	}

	if err := verify(payload); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("webhook signature rejected")
		s.reject(w, r, provider, http.StatusUnauthorized, "signature verification failed")
		return
	}

	ev, err := s.buildEvent(provider, agentType, kind, payload)
	if err != nil {
		s.reject(w, r, provider, http.StatusBadRequest, err.Error())
		return
	}

	d := s.rules.Evaluate(rules.Action{
		Kind:         rules.ActionWebhook,
		AgentType:    agentType,
		PayloadSize:  int64(len(payload)),
		HasSignature: true,
		Input:        string(payload),
	})
	if !d.Allowed {
		s.reject(w, r, provider, http.StatusForbidden, d.Violations[0].Reason)
		return
	}

	if !s.enqueue(w, r, ev) {
		return
	}
	s.accepted(w, provider, ev)
}

func (s *Service) readPayload(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)
	payload, err := readAll(r)
	if err != nil {
		s.reject(w, r, provider, http.StatusRequestEntityTooLarge, "payload exceeds size ceiling")
		return nil, false
	}
	return payload, true
}

func (s *Service) buildEvent(provider, agentType, kind string, payload []byte) (Event, error) {
	if !json.Valid(payload) {
		return Event{}, fmt.Errorf("payload is not valid JSON")
	}
	return Event{
		ID:         uuid.NewString(),
		Provider:   provider,
		AgentType:  agentType,
		Kind:       kind,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) enqueue(w http.ResponseWriter, r *http.Request, ev Event) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		s.reject(w, r, ev.Provider, http.StatusServiceUnavailable, "event queue full")
		return false
	}
}

func (s *Service) accepted(w http.ResponseWriter, provider string, ev Event) {
	s.bumpStats(provider, true)
	metrics.WebhooksReceived.WithLabelValues(provider, "accepted").Inc()
	writeJSON(w, http.StatusAccepted, models.OK("webhook accepted", map[string]string{"event_id": ev.ID}))
}

func (s *Service) reject(w http.ResponseWriter, r *http.Request, provider string, status int, reason string) {
	s.bumpStats(provider, false)
	metrics.WebhooksReceived.WithLabelValues(provider, "rejected").Inc()
	writeJSON(w, status, models.Fail("webhook rejected", reason))
}

// limiter keys buckets by provider plus delivery source, so one noisy
// sender cannot starve a provider's other sources.
func (s *Service) limiter(key string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
		s.limiters[key] = l
	}
	return l
}

func sourceHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) bumpStats(provider string, accepted bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[provider]
	if !ok {
		st = &ProviderStats{}
		s.stats[provider] = st
	}
	if accepted {
		st.Received++
	} else {
		st.Rejected++
	}
	st.LastSeen = time.Now().UTC()
}

// ── Operational endpoints ───────────────────────────────────

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	out := make(map[string]ProviderStats, len(s.stats))
	for p, st := range s.stats {
		out[p] = *st
	}
	s.statsMu.Unlock()
	writeJSON(w, http.StatusOK, models.OK("webhook stats", out))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.OK("webhook gateway healthy", map[string]interface{}{
		"queue_depth":    len(s.queue),
		"queue_capacity": cap(s.queue),
	}))
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentType   string `json:"agent_type"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.AgentType == "" {
		writeJSON(w, http.StatusBadRequest, models.Fail("invalid handler registration", "agent_type is required"))
		return
	}

	rec := HandlerRecord{
		ID:           uuid.NewString(),
		AgentType:    req.AgentType,
		Description:  req.Description,
		RegisteredAt: time.Now().UTC(),
	}
	s.handlersMu.Lock()
	s.handlers[req.AgentType] = rec
	s.handlersMu.Unlock()

	writeJSON(w, http.StatusCreated, models.OK("handler registered", rec))
}

// handleValidateSignature lets operators check a signature against a
// configured provider secret without delivering an event. The secret
// itself never appears in the request.
func (s *Service) handleValidateSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider  string `json:"provider"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Fail("invalid request", err.Error()))
		return
	}
	pc, ok := s.cfg.Providers[req.Provider]
	if !ok || pc.Secret == "" {
		writeJSON(w, http.StatusNotFound, models.Fail("unknown provider", req.Provider))
		return
	}
	algo := req.Algorithm
	if algo == "" {
		algo = pc.Algorithm
	}
	if algo == "" {
		algo = AlgoSHA256
	}

	valid := VerifyHMAC(req.Signature, []byte(pc.Secret), []byte(req.Payload), algo)
	writeJSON(w, http.StatusOK, models.OK("signature checked", map[string]bool{"valid": valid}))
}

// Handlers returns the registered handler records.
func (s *Service) Handlers() []HandlerRecord {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	out := make([]HandlerRecord, 0, len(s.handlers))
	for _, rec := range s.handlers {
		out = append(out, rec)
	}
	return out
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}
