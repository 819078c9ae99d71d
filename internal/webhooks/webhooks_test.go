package webhooks_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/internal/webhooks"
)

type recordingSink struct {
	mu     sync.Mutex
	events []webhooks.Event
}

func (r *recordingSink) DispatchEvent(ctx context.Context, ev webhooks.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

const githubSecret = "github-test-secret"

func newService(t *testing.T, cfg webhooks.Config) (*webhooks.Service, *recordingSink, *httptest.Server) {
	t.Helper()
	if cfg.Providers == nil {
		cfg.Providers = map[string]webhooks.ProviderConfig{
			"github":  {Secret: githubSecret, Algorithm: webhooks.AlgoSHA256},
			"gitlab":  {Secret: "gitlab-token"},
			"generic": {Secret: "generic-secret", Algorithm: webhooks.AlgoSHA256},
		}
	}
	sink := &recordingSink{}
	svc := webhooks.NewService(cfg, rules.NewEngine(nil), sink)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})

	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)
	return svc, sink, srv
}

func sign(t *testing.T, secret string, payload []byte) string {
	t.Helper()
	sig, err := webhooks.ComputeHMAC([]byte(secret), payload, webhooks.AlgoSHA256)
	if err != nil {
		t.Fatalf("ComputeHMAC() = %v", err)
	}
	return "sha256=" + sig
}

func postGitHub(t *testing.T, url string, payload []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/github", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGitHubAcceptsValidSignature(t *testing.T) {
	_, sink, srv := newService(t, webhooks.Config{})

	payload := []byte(`{"ref":"refs/heads/main","commits":[]}`)
	resp := postGitHub(t, srv.URL, payload, sign(t, githubSecret, payload))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestRateLimitKeyedByProviderAndSource(t *testing.T) {
	svc, _, _ := newService(t, webhooks.Config{RatePerSecond: 0.01, RateBurst: 1})
	handler := svc.Routes()

	payload := []byte(`{"ref":"refs/heads/main","commits":[]}`)
	post := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(payload))
		req.RemoteAddr = remote
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", sign(t, githubSecret, payload))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if got := post("198.51.100.7:4001"); got != http.StatusAccepted {
		t.Fatalf("first delivery from source A = %d, want %d", got, http.StatusAccepted)
	}
	if got := post("198.51.100.7:4002"); got != http.StatusTooManyRequests {
		t.Fatalf("second delivery from source A = %d, want %d", got, http.StatusTooManyRequests)
	}
	// A different source of the same provider has its own bucket.
	if got := post("203.0.113.9:4001"); got != http.StatusAccepted {
		t.Errorf("delivery from source B = %d, want %d", got, http.StatusAccepted)
	}
}

func TestGitHubRejectsFlippedPayloadByte(t *testing.T) {
	_, sink, srv := newService(t, webhooks.Config{})

	payload := []byte(`{"ref":"refs/heads/main","commits":[]}`)
	signature := sign(t, githubSecret, payload)

	tampered := bytes.Clone(payload)
	tampered[10] ^= 0x01
	resp := postGitHub(t, srv.URL, tampered, signature)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered payload status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	flipped := []byte(signature)
	if flipped[10] == '0' {
		flipped[10] = '1'
	} else {
		flipped[10] = '0'
	}
	resp = postGitHub(t, srv.URL, payload, string(flipped))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered signature status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	if sink.count() != 0 {
		t.Errorf("sink received %d events from rejected deliveries", sink.count())
	}
}

func TestGitHubRejectsMissingSignature(t *testing.T) {
	_, _, srv := newService(t, webhooks.Config{})

	resp := postGitHub(t, srv.URL, []byte(`{}`), "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestOversizePayloadRejectedDespiteValidSignature(t *testing.T) {
	_, sink, srv := newService(t, webhooks.Config{MaxPayloadBytes: 128})

	payload := []byte(`{"data":"` + strings.Repeat("a", 256) + `"}`)
	resp := postGitHub(t, srv.URL, payload, sign(t, githubSecret, payload))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	if sink.count() != 0 {
		t.Error("oversize payload reached the sink")
	}
}

func TestGitLabTokenCompare(t *testing.T) {
	_, _, srv := newService(t, webhooks.Config{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/gitlab", strings.NewReader(`{"object_kind":"push"}`))
	req.Header.Set("X-Gitlab-Token", "gitlab-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("valid token status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/gitlab", strings.NewReader(`{"object_kind":"push"}`))
	req.Header.Set("X-Gitlab-Token", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestDropboxChallengeEcho(t *testing.T) {
	_, _, srv := newService(t, webhooks.Config{})

	resp, err := http.Get(srv.URL + "/dropbox?challenge=abc123")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "abc123" {
		t.Errorf("challenge echo = %q, want %q", got, "abc123")
	}
}

func TestGenericEndpointCarriesAgentType(t *testing.T) {
	_, sink, srv := newService(t, webhooks.Config{})

	payload := []byte(`{"event":"deploy"}`)
	sig, err := webhooks.ComputeHMAC([]byte("generic-secret"), payload, webhooks.AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/generic/cline", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generic status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	waitFor(t, func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].AgentType != "cline" {
		t.Errorf("event agent type = %q, want cline", sink.events[0].AgentType)
	}
}

func TestStripeSignatureWindow(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"type":"invoice.paid"}`)
	now := time.Now()

	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := webhooks.ComputeHMAC(secret, []byte(ts+"."+string(payload)), webhooks.AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := webhooks.VerifyStripe("t="+ts+",v1="+sig, secret, payload, now); err != nil {
		t.Errorf("VerifyStripe(fresh) = %v", err)
	}

	stale := strconv.FormatInt(now.Unix()-3600, 10)
	sig, _ = webhooks.ComputeHMAC(secret, []byte(stale+"."+string(payload)), webhooks.AlgoSHA256)
	if err := webhooks.VerifyStripe("t="+stale+",v1="+sig, secret, payload, now); err == nil {
		t.Error("VerifyStripe accepted an hour-old timestamp")
	}
}
