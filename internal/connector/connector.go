// Package connector defines the data-connector contract and the registry
// that loads, health-checks and serves connectors to the gateway.
package connector

import (
	"context"
	"time"

	"github.com/conhub/conhub/pkg/models"
)

// Operation names a connector capability. Every connector must implement
// the full required set; partial connectors are rejected at load time.
const (
	OpInitialize  = "initialize"
	OpHealthCheck = "health_check"
	OpFetch       = "fetch"
	OpSearch      = "search"
	OpGetContext  = "get_context"
	OpCleanup     = "cleanup"
)

// RequiredOperations is the set every connector must declare.
var RequiredOperations = []string{
	OpInitialize, OpHealthCheck, OpFetch, OpSearch, OpGetContext, OpCleanup,
}

// Kind distinguishes in-process connectors from external proxied ones.
type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindExternal Kind = "external"
)

// HealthStatus is the last observed connector health.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Descriptor is the connector's self-description. Schemes lists the URI
// schemes the connector claims, and Operations the operations it
// implements; both are validated by the registry at load time.
type Descriptor struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Kind        Kind         `json:"kind"`
	Endpoint    string       `json:"endpoint,omitempty"`
	Schemes     []string     `json:"schemes"`
	Operations  []string     `json:"operations"`
	Health      HealthStatus `json:"health"`
	LastChecked time.Time    `json:"last_checked,omitzero"`
}

// FetchQuery scopes a Fetch call. An empty query fetches the connector's
// default listing.
type FetchQuery struct {
	URI    string `json:"uri,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// FetchResult carries a page of resources plus an opaque continuation
// cursor when more pages exist.
type FetchResult struct {
	Resources  []models.Resource `json:"resources"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Connector is the contract every data connector implements. All methods
// honor ctx cancellation; the registry enforces a hard call deadline on
// top for external connectors.
type Connector interface {
	Descriptor() Descriptor
	Initialize(ctx context.Context) error
	Health(ctx context.Context) error
	Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error)
	Search(ctx context.Context, query string, limit int) ([]models.Document, error)
	GetContext(ctx context.Context, uri string) (*models.ContextBundle, error)
	Cleanup(ctx context.Context) error
}

// Builder constructs a connector from its registry configuration.
type Builder func(cfg BuildConfig) (Connector, error)

// BuildConfig is what a builder receives: the connector's registry ID
// plus any endpoint and options resolved from the environment.
type BuildConfig struct {
	ID       string
	Endpoint string
	Options  map[string]string
}
