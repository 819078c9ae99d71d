package connector

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conhub/conhub/pkg/models"
)

// maxFileBytes caps what the filesystem connector will read into memory.
const maxFileBytes = 10 << 20

// Filesystem serves files under a configured root directory as resources
// with file:// URIs. Paths are cleaned and confined to the root; a URI
// escaping the root is treated as not found.
type Filesystem struct {
	id   string
	root string
}

// NewFilesystem builds the connector. Options: "root" (default the
// process working directory).
func NewFilesystem(cfg BuildConfig) (Connector, error) {
	root := cfg.Options["root"]
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Filesystem{id: cfg.ID, root: abs}, nil
}

func (f *Filesystem) Descriptor() Descriptor {
	return Descriptor{
		ID:         f.id,
		Name:       "Filesystem",
		Version:    "1.0.0",
		Kind:       KindBuiltin,
		Schemes:    []string{"file"},
		Operations: RequiredOperations,
	}
}

func (f *Filesystem) Initialize(ctx context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("filesystem root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filesystem root %q is not a directory", f.root)
	}
	return nil
}

func (f *Filesystem) Health(ctx context.Context) error {
	_, err := os.Stat(f.root)
	return err
}

// resolve maps a file:// URI (or bare path) onto the root, rejecting
// traversal outside it.
func (f *Filesystem) resolve(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file://")
	full := filepath.Join(f.root, filepath.FromSlash(p))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the connector root", p)
	}
	return full, nil
}

func (f *Filesystem) Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error) {
	dir := f.root
	if q.URI != "" {
		resolved, err := f.resolve(q.URI)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := &FetchResult{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(f.root, full)
		res := models.Resource{
			URI:  "file://" + filepath.ToSlash(rel),
			Name: e.Name(),
			Kind: "document",
		}
		if e.IsDir() {
			res.Kind = "directory"
		} else if info, err := e.Info(); err == nil {
			res.Size = info.Size()
			res.MimeType = mime.TypeByExtension(filepath.Ext(e.Name()))
		}
		out.Resources = append(out.Resources, res)
	}
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].URI < out.Resources[j].URI })

	if q.Limit > 0 && len(out.Resources) > q.Limit {
		out.Resources = out.Resources[:q.Limit]
	}
	return out, nil
}

func (f *Filesystem) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var docs []models.Document
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != f.root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(docs) >= limit {
			return filepath.SkipAll
		}
		if strings.Contains(strings.ToLower(d.Name()), needle) {
			rel, _ := filepath.Rel(f.root, path)
			docs = append(docs, models.Document{
				URI:    "file://" + filepath.ToSlash(rel),
				Title:  d.Name(),
				Source: f.id,
				Score:  1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (f *Filesystem) GetContext(ctx context.Context, uri string) (*models.ContextBundle, error) {
	full, err := f.resolve(uri)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("file %q is %d bytes, over the %d byte read ceiling", uri, info.Size(), maxFileBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}

	return &models.ContextBundle{
		URI: uri,
		Content: models.ResourceContent{
			URI:      uri,
			MimeType: mime.TypeByExtension(filepath.Ext(full)),
			Text:     string(data),
		},
		Metadata: map[string]string{
			"size":     fmt.Sprintf("%d", info.Size()),
			"modified": info.ModTime().UTC().Format(time.RFC3339),
		},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (f *Filesystem) Cleanup(ctx context.Context) error { return nil }
