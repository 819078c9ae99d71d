package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conhub/conhub/pkg/models"
)

const githubAPI = "https://api.github.com"

// GitHub exposes repositories, code search and file contents through the
// GitHub REST API. URIs use the github:// scheme in the form
// github://owner/repo/path.
type GitHub struct {
	id     string
	token  string
	base   string
	client *http.Client
}

// NewGitHub builds the connector. Options: "token" (optional, raises the
// API rate limit and grants private repo access), "base_url" (for tests
// and GitHub Enterprise).
func NewGitHub(cfg BuildConfig) (Connector, error) {
	base := cfg.Options["base_url"]
	if base == "" {
		base = githubAPI
	}
	return &GitHub{
		id:     cfg.ID,
		token:  cfg.Options["token"],
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (g *GitHub) Descriptor() Descriptor {
	return Descriptor{
		ID:         g.id,
		Name:       "GitHub",
		Version:    "1.0.0",
		Kind:       KindBuiltin,
		Schemes:    []string{"github"},
		Operations: RequiredOperations,
	}
}

func (g *GitHub) Initialize(ctx context.Context) error { return nil }

func (g *GitHub) Health(ctx context.Context) error {
	var out struct{}
	return g.get(ctx, "/rate_limit", &out)
}

func (g *GitHub) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("github: %s not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github: %s returned HTTP %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

// splitURI parses github://owner/repo/optional/path.
func splitURI(uri string) (owner, repo, path string, err error) {
	trimmed := strings.TrimPrefix(uri, "github://")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("github URI %q must be github://owner/repo[/path]", uri)
	}
	owner, repo = parts[0], parts[1]
	if len(parts) == 3 {
		path = parts[2]
	}
	return owner, repo, path, nil
}

func (g *GitHub) Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error) {
	if q.URI == "" {
		return &FetchResult{}, nil
	}
	owner, repo, path, err := splitURI(q.URI)
	if err != nil {
		return nil, err
	}

	var items []struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, path)
	if err := g.get(ctx, endpoint, &items); err != nil {
		return nil, err
	}

	out := &FetchResult{}
	for _, it := range items {
		kind := "document"
		if it.Type == "dir" {
			kind = "directory"
		}
		out.Resources = append(out.Resources, models.Resource{
			URI:  fmt.Sprintf("github://%s/%s/%s", owner, repo, it.Path),
			Name: it.Name,
			Kind: kind,
			Size: it.Size,
		})
	}
	if q.Limit > 0 && len(out.Resources) > q.Limit {
		out.Resources = out.Resources[:q.Limit]
	}
	return out, nil
}

func (g *GitHub) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	var result struct {
		Items []struct {
			Name       string  `json:"name"`
			Path       string  `json:"path"`
			Score      float64 `json:"score"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	endpoint := fmt.Sprintf("/search/code?q=%s&per_page=%d", url.QueryEscape(query), limit)
	if err := g.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	docs := make([]models.Document, 0, len(result.Items))
	for _, it := range result.Items {
		docs = append(docs, models.Document{
			URI:    fmt.Sprintf("github://%s/%s", it.Repository.FullName, it.Path),
			Title:  it.Name,
			Score:  it.Score,
			Source: g.id,
		})
	}
	return docs, nil
}

func (g *GitHub) GetContext(ctx context.Context, uri string) (*models.ContextBundle, error) {
	owner, repo, path, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("github URI %q names no file", uri)
	}

	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Size     int64  `json:"size"`
		HTMLURL  string `json:"html_url"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, path)
	if err := g.get(ctx, endpoint, &file); err != nil {
		return nil, err
	}

	text := file.Content
	if file.Encoding == "base64" {
		decoded, err := decodeBase64(file.Content)
		if err != nil {
			return nil, fmt.Errorf("github: decode %q: %w", uri, err)
		}
		text = decoded
	}

	return &models.ContextBundle{
		URI:     uri,
		Content: models.ResourceContent{URI: uri, Text: text},
		Metadata: map[string]string{
			"repository": owner + "/" + repo,
			"html_url":   file.HTMLURL,
			"size":       fmt.Sprintf("%d", file.Size),
		},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (g *GitHub) Cleanup(ctx context.Context) error { return nil }

// decodeBase64 handles the newline-wrapped base64 the contents API
// returns for file bodies.
func decodeBase64(s string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(s, "\n", ""))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
