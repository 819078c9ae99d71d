package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/protocol"
	"github.com/conhub/conhub/pkg/models"
)

// CallTimeout is the hard ceiling on any single external connector call.
// A hung external process surfaces as a timeout error, never a hung
// gateway request.
const CallTimeout = 30 * time.Second

// Proxy adapts an external connector process speaking the wire protocol
// over HTTP into the Connector interface. Every operation becomes a
// request envelope POSTed to the connector's endpoint.
type Proxy struct {
	desc   Descriptor
	client *http.Client
}

// NewProxy builds a proxy for the external connector at cfg.Endpoint.
func NewProxy(cfg BuildConfig, name, version string, schemes []string) (*Proxy, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("external connector %q has no endpoint", cfg.ID)
	}
	return &Proxy{
		desc: Descriptor{
			ID:         cfg.ID,
			Name:       name,
			Version:    version,
			Kind:       KindExternal,
			Endpoint:   cfg.Endpoint,
			Schemes:    schemes,
			Operations: RequiredOperations,
		},
		client: &http.Client{Timeout: CallTimeout},
	}, nil
}

func (p *Proxy) Descriptor() Descriptor { return p.desc }

// Initialize probes the endpoint with exponential backoff so a connector
// process that is still starting up gets a grace period before the load
// fails.
func (p *Proxy) Initialize(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		_, err := p.call(ctx, OpInitialize, map[string]string{
			"protocol_version": protocol.Version,
		})
		if err != nil {
			log.Debug().Err(err).Str("connector", p.desc.ID).Msg("external connector not ready, retrying")
		}
		return err
	}, policy)
}

// Health probes the connector's health path with a plain GET, outside
// the envelope protocol, so a process that can serve HTTP but not yet
// the protocol still reports its state.
func (p *Proxy) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.desc.Endpoint, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connector %s unreachable: %w", p.desc.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connector %s health returned HTTP %d", p.desc.ID, resp.StatusCode)
	}
	return nil
}

func (p *Proxy) Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error) {
	raw, err := p.call(ctx, OpFetch, q)
	if err != nil {
		return nil, err
	}
	var out FetchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode fetch result from %s: %w", p.desc.ID, err)
	}
	return &out, nil
}

func (p *Proxy) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	raw, err := p.call(ctx, OpSearch, map[string]interface{}{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	var out struct {
		Documents []models.Document `json:"documents"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode search result from %s: %w", p.desc.ID, err)
	}
	return out.Documents, nil
}

func (p *Proxy) GetContext(ctx context.Context, uri string) (*models.ContextBundle, error) {
	raw, err := p.call(ctx, OpGetContext, map[string]string{"uri": uri})
	if err != nil {
		return nil, err
	}
	var out models.ContextBundle
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode context bundle from %s: %w", p.desc.ID, err)
	}
	return &out, nil
}

func (p *Proxy) Cleanup(ctx context.Context) error {
	_, err := p.call(ctx, OpCleanup, nil)
	return err
}

// call POSTs one request envelope and returns the result payload. The
// external side answers with a response envelope; a protocol error in it
// is returned as-is so callers can inspect the code.
func (p *Proxy) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	msg, perr := protocol.NewRequest(uuid.NewString(), method, params)
	if perr != nil {
		return nil, perr
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, protocol.Errorf(protocol.CodeTimeout, "connector %s timed out after %s", p.desc.ID, CallTimeout)
		}
		return nil, fmt.Errorf("connector %s unreachable: %w", p.desc.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector %s returned HTTP %d", p.desc.ID, resp.StatusCode)
	}

	reply, perr := protocol.Decode(data)
	if perr != nil {
		return nil, fmt.Errorf("connector %s sent a malformed envelope: %s", p.desc.ID, perr.Message)
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}
