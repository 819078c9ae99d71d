package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultHealthInterval is how often the registry sweeps connector health
// when the configuration does not override it.
const DefaultHealthInterval = 300 * time.Second

// OpStats counts operations dispatched through one connector.
type OpStats struct {
	Calls    int64         `json:"calls"`
	Failures int64         `json:"failures"`
	LastUsed time.Time     `json:"last_used,omitzero"`
	Latency  time.Duration `json:"total_latency"`
}

// entry pairs a connector with its usage lock. Readers are in-flight
// requests; the writer is a reload or cleanup, which waits for readers
// to drain rather than aborting them.
type entry struct {
	mu   sync.RWMutex
	conn Connector
	desc Descriptor

	statsMu sync.Mutex
	stats   map[string]*OpStats
}

// Registry owns the connector set. The builder map is fixed at
// construction, so the available connector IDs are known at compile time
// and nothing is discovered by scanning directories at runtime.
type Registry struct {
	builders map[string]Builder
	configs  map[string]BuildConfig

	mu      sync.RWMutex
	entries map[string]*entry

	healthInterval time.Duration
	stopHealth     context.CancelFunc
	healthDone     chan struct{}
}

// RegistryOption adjusts registry construction.
type RegistryOption func(*Registry)

// WithHealthInterval overrides the health sweep period.
func WithHealthInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// NewRegistry creates a registry over the given builder map and per-ID
// build configuration. Call Load to construct and validate connectors.
func NewRegistry(builders map[string]Builder, configs map[string]BuildConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		builders:       builders,
		configs:        configs,
		entries:        make(map[string]*entry),
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load builds every registered connector, validates its descriptor and
// initializes it. A connector missing any required operation fails the
// whole load; a half-validated registry never serves traffic. An
// Initialize failure is not fatal: the connector is logged and left out
// of the registry so the rest can serve.
func (r *Registry) Load(ctx context.Context) error {
	ids := make([]string, 0, len(r.builders))
	for id := range r.builders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	built := make(map[string]*entry, len(ids))
	for _, id := range ids {
		e, err := r.build(id)
		if err != nil {
			for _, prev := range built {
				prev.conn.Cleanup(ctx)
			}
			return fmt.Errorf("load connector %q: %w", id, err)
		}
		if err := e.conn.Initialize(ctx); err != nil {
			log.Warn().
				Err(err).
				Str("connector", id).
				Msg("connector failed to initialize, excluded")
			e.conn.Cleanup(ctx)
			continue
		}
		built[id] = e
		log.Info().
			Str("connector", id).
			Str("kind", string(e.desc.Kind)).
			Strs("schemes", e.desc.Schemes).
			Msg("connector loaded")
	}

	r.mu.Lock()
	r.entries = built
	r.mu.Unlock()
	return nil
}

func (r *Registry) build(id string) (*entry, error) {
	builder := r.builders[id]
	cfg, ok := r.configs[id]
	if !ok {
		cfg = BuildConfig{ID: id}
	}
	cfg.ID = id

	conn, err := builder(cfg)
	if err != nil {
		return nil, err
	}

	desc := conn.Descriptor()
	if err := validateDescriptor(id, desc); err != nil {
		return nil, err
	}

	desc.Health = HealthUnknown
	return &entry{conn: conn, desc: desc, stats: make(map[string]*OpStats)}, nil
}

func validateDescriptor(id string, d Descriptor) error {
	if d.ID != id {
		return fmt.Errorf("descriptor ID %q does not match registry key %q", d.ID, id)
	}
	declared := make(map[string]bool, len(d.Operations))
	for _, op := range d.Operations {
		declared[op] = true
	}
	for _, required := range RequiredOperations {
		if !declared[required] {
			return fmt.Errorf("missing required operation %q", required)
		}
	}
	return nil
}

// IDs returns the loaded connector IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptors returns a snapshot of every loaded connector's descriptor.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.RLock()
		out = append(out, e.desc)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe returns the descriptor for one connector.
func (r *Registry) Describe(id string) (Descriptor, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desc, true
}

// Stats returns a copy of the per-operation counters for one connector.
func (r *Registry) Stats(id string) (map[string]OpStats, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := make(map[string]OpStats, len(e.stats))
	for op, s := range e.stats {
		out[op] = *s
	}
	return out, true
}

// With runs fn under the connector's read lock, so a concurrent reload
// waits for fn to finish instead of swapping the connector out from
// under it. The op name feeds the usage counters.
func (r *Registry) With(ctx context.Context, id, op string, fn func(Connector) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connector %q not loaded", id)
	}

	e.mu.RLock()
	start := time.Now()
	err := fn(e.conn)
	elapsed := time.Since(start)
	e.mu.RUnlock()

	e.statsMu.Lock()
	s, ok := e.stats[op]
	if !ok {
		s = &OpStats{}
		e.stats[op] = s
	}
	s.Calls++
	s.Latency += elapsed
	s.LastUsed = time.Now()
	if err != nil {
		s.Failures++
	}
	e.statsMu.Unlock()

	return err
}

// Reload rebuilds one connector. The write lock drains in-flight
// requests first, then the old instance is cleaned up and the new one
// swapped in. Requests issued during the swap block until it completes.
func (r *Registry) Reload(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connector %q not loaded", id)
	}

	fresh, err := r.build(id)
	if err != nil {
		return fmt.Errorf("reload connector %q: %w", id, err)
	}
	if err := fresh.conn.Initialize(ctx); err != nil {
		fresh.conn.Cleanup(ctx)
		return fmt.Errorf("reload connector %q: initialize: %w", id, err)
	}

	e.mu.Lock()
	old := e.conn
	e.conn = fresh.conn
	e.desc = fresh.desc
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats = make(map[string]*OpStats)
	e.statsMu.Unlock()

	if err := old.Cleanup(ctx); err != nil {
		log.Warn().Err(err).Str("connector", id).Msg("cleanup of replaced connector failed")
	}
	log.Info().Str("connector", id).Msg("connector reloaded")
	return nil
}

// StartHealthMonitor launches the periodic health sweep. It stops when
// ctx is cancelled or Shutdown runs.
func (r *Registry) StartHealthMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stopHealth = cancel
	r.healthDone = make(chan struct{})

	go func() {
		defer close(r.healthDone)
		ticker := time.NewTicker(r.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepHealth(ctx)
			}
		}
	}()
}

// SweepHealth checks every connector concurrently and records the result
// in its descriptor. One slow or failing connector does not delay or
// fail the others.
func (r *Registry) SweepHealth(ctx context.Context) {
	r.mu.RLock()
	snapshot := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		snapshot[id] = e
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for id, e := range snapshot {
		id, e := id, e
		g.Go(func() error {
			e.mu.RLock()
			conn := e.conn
			e.mu.RUnlock()

			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Health(checkCtx)
			cancel()

			status := HealthHealthy
			if err != nil {
				status = HealthUnhealthy
				log.Warn().Err(err).Str("connector", id).Msg("health check failed")
			}

			e.mu.Lock()
			e.desc.Health = status
			e.desc.LastChecked = time.Now()
			e.mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// Shutdown stops the health monitor and cleans up every connector,
// waiting for in-flight requests to drain via each entry's write lock.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.stopHealth != nil {
		r.stopHealth()
		<-r.healthDone
	}

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if err := e.conn.Cleanup(ctx); err != nil {
			log.Warn().Err(err).Str("connector", id).Msg("connector cleanup failed")
		}
		e.mu.Unlock()
	}
}
