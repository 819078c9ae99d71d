package connector_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/pkg/models"
)

// fake is a scriptable connector for registry tests.
type fake struct {
	desc      connector.Descriptor
	healthErr error

	mu      sync.Mutex
	cleaned bool
	initErr error
}

func newFake(id string, ops []string) *fake {
	return &fake{desc: connector.Descriptor{
		ID:         id,
		Name:       id,
		Version:    "0.0.1",
		Kind:       connector.KindBuiltin,
		Schemes:    []string{id},
		Operations: ops,
	}}
}

func (f *fake) Descriptor() connector.Descriptor         { return f.desc }
func (f *fake) Initialize(ctx context.Context) error     { return f.initErr }
func (f *fake) Health(ctx context.Context) error         { return f.healthErr }
func (f *fake) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func (f *fake) Fetch(ctx context.Context, q connector.FetchQuery) (*connector.FetchResult, error) {
	return &connector.FetchResult{Resources: []models.Resource{{URI: f.desc.ID + "://a", Name: "a"}}}, nil
}

func (f *fake) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	return nil, nil
}

func (f *fake) GetContext(ctx context.Context, uri string) (*models.ContextBundle, error) {
	return &models.ContextBundle{URI: uri}, nil
}

func builderFor(f *fake) connector.Builder {
	return func(cfg connector.BuildConfig) (connector.Connector, error) { return f, nil }
}

func TestLoadValidatesOperations(t *testing.T) {
	complete := newFake("good", connector.RequiredOperations)

	partialOps := make([]string, 0, len(connector.RequiredOperations)-1)
	for _, op := range connector.RequiredOperations {
		if op != connector.OpSearch {
			partialOps = append(partialOps, op)
		}
	}
	partial := newFake("partial", partialOps)

	reg := connector.NewRegistry(map[string]connector.Builder{
		"good":    builderFor(complete),
		"partial": builderFor(partial),
	}, nil)

	err := reg.Load(context.Background())
	if err == nil {
		t.Fatal("Load accepted a connector missing the search operation")
	}
	if got := err.Error(); !strings.Contains(got, "partial") || !strings.Contains(got, "search") {
		t.Errorf("Load error %q does not name the connector and the missing operation", got)
	}
	if len(reg.IDs()) != 0 {
		t.Errorf("registry serves %v after a failed load, want none", reg.IDs())
	}
}

func TestLoadExcludesFailedInitialize(t *testing.T) {
	good := newFake("good", connector.RequiredOperations)
	bad := newFake("bad", connector.RequiredOperations)
	bad.initErr = errors.New("dial tcp 127.0.0.1:8091: connection refused")

	reg := connector.NewRegistry(map[string]connector.Builder{
		"good": builderFor(good),
		"bad":  builderFor(bad),
	}, nil)

	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v, want an unreachable connector skipped, not fatal", err)
	}
	ids := reg.IDs()
	if len(ids) != 1 || ids[0] != "good" {
		t.Errorf("loaded connectors = %v, want [good]", ids)
	}
	if _, ok := reg.Describe("bad"); ok {
		t.Error("Describe() serves a connector whose initialize failed")
	}
	bad.mu.Lock()
	cleaned := bad.cleaned
	bad.mu.Unlock()
	if !cleaned {
		t.Error("excluded connector was not cleaned up")
	}
}

func TestWithTracksStats(t *testing.T) {
	f := newFake("fs", connector.RequiredOperations)
	reg := connector.NewRegistry(map[string]connector.Builder{"fs": builderFor(f)}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	err := reg.With(context.Background(), "fs", connector.OpFetch, func(c connector.Connector) error {
		_, err := c.Fetch(context.Background(), connector.FetchQuery{})
		return err
	})
	if err != nil {
		t.Fatalf("With() = %v", err)
	}
	err = reg.With(context.Background(), "fs", connector.OpFetch, func(c connector.Connector) error {
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("With() swallowed the callback error")
	}

	stats, ok := reg.Stats("fs")
	if !ok {
		t.Fatal("Stats() found no connector fs")
	}
	s := stats[connector.OpFetch]
	if s.Calls != 2 || s.Failures != 1 {
		t.Errorf("fetch stats = %d calls %d failures, want 2 calls 1 failure", s.Calls, s.Failures)
	}
}

func TestWithUnknownConnector(t *testing.T) {
	reg := connector.NewRegistry(map[string]connector.Builder{}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	err := reg.With(context.Background(), "ghost", connector.OpFetch, func(connector.Connector) error { return nil })
	if err == nil {
		t.Fatal("With() found a connector that was never registered")
	}
}

func TestSweepHealthRecordsStatus(t *testing.T) {
	healthy := newFake("up", connector.RequiredOperations)
	failing := newFake("down", connector.RequiredOperations)
	failing.healthErr = errors.New("connection refused")

	reg := connector.NewRegistry(map[string]connector.Builder{
		"up":   builderFor(healthy),
		"down": builderFor(failing),
	}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	reg.SweepHealth(context.Background())

	up, _ := reg.Describe("up")
	if up.Health != connector.HealthHealthy {
		t.Errorf("up health = %s, want %s", up.Health, connector.HealthHealthy)
	}
	down, _ := reg.Describe("down")
	if down.Health != connector.HealthUnhealthy {
		t.Errorf("down health = %s, want %s", down.Health, connector.HealthUnhealthy)
	}
	if down.LastChecked.IsZero() {
		t.Error("sweep did not record a check time")
	}
}

func TestReloadSwapsAndCleansUp(t *testing.T) {
	first := newFake("fs", connector.RequiredOperations)
	reg := connector.NewRegistry(map[string]connector.Builder{"fs": builderFor(first)}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if err := reg.Reload(context.Background(), "fs"); err != nil {
		t.Fatalf("Reload() = %v", err)
	}

	first.mu.Lock()
	cleaned := first.cleaned
	first.mu.Unlock()
	if !cleaned {
		t.Error("replaced connector instance was not cleaned up")
	}
}

func TestReloadWaitsForInFlightRequests(t *testing.T) {
	f := newFake("fs", connector.RequiredOperations)
	reg := connector.NewRegistry(map[string]connector.Builder{"fs": builderFor(f)}, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	release := make(chan struct{})
	inFlight := make(chan struct{})
	go reg.With(context.Background(), "fs", connector.OpFetch, func(connector.Connector) error {
		close(inFlight)
		<-release
		return nil
	})

	<-inFlight
	done := make(chan error, 1)
	go func() { done <- reg.Reload(context.Background(), "fs") }()

	select {
	case <-time.After(50 * time.Millisecond):
	case <-done:
		t.Fatal("Reload() completed while a request was still in flight")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Reload() = %v", err)
	}
}
