package connector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/conhub/conhub/internal/connector"
)

func TestProxyHealthProbesHealthPath(t *testing.T) {
	var gotMethod, gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod.Store(r.Method)
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := connector.NewProxy(connector.BuildConfig{ID: "google_drive", Endpoint: srv.URL}, "Google Drive", "0.0.1", []string{"gdrive"})
	if err != nil {
		t.Fatalf("NewProxy() = %v", err)
	}
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("Health() = %v", err)
	}
	if gotMethod.Load() != http.MethodGet || gotPath.Load() != "/health" {
		t.Errorf("health probe = %v %v, want GET /health", gotMethod.Load(), gotPath.Load())
	}
}

func TestProxyHealthReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := connector.NewProxy(connector.BuildConfig{ID: "dropbox", Endpoint: srv.URL}, "Dropbox", "0.0.1", []string{"dropbox"})
	if err != nil {
		t.Fatalf("NewProxy() = %v", err)
	}
	if err := p.Health(context.Background()); err == nil {
		t.Fatal("Health() reported a 503 endpoint as healthy")
	}
}
