// Package libfetch resolves external model libraries referenced by
// generated scripts. Resolved bytes live in a process-wide read-mostly
// cache: each name is fetched at most once for the lifetime of the
// process, and a duplicate fetch lost to a race is wasted work, never
// corruption.
package libfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Fetcher resolves library names to bytes from a local catalog directory
// first, then an optional HTTP endpoint.
type Fetcher struct {
	catalogDir string
	baseURL    string
	client     *http.Client

	mu    sync.RWMutex
	cache map[string][]byte
}

// New creates a fetcher reading from the given local catalog directory
func New(catalogDir string) *Fetcher {
	return &Fetcher{
		catalogDir: catalogDir,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: make(map[string][]byte),
	}
}

// WithBaseURL enables remote fetching for names missing from the catalog
func (f *Fetcher) WithBaseURL(baseURL string) *Fetcher {
	f.baseURL = strings.TrimRight(baseURL, "/")
	return f
}

// Fetch returns the bytes for a library name, consulting the cache first.
// A successful result is cached for the process lifetime.
func (f *Fetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	clean := filepath.Base(strings.TrimSpace(name))
	if clean == "" || clean == "." || clean == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid library name %q", name)
	}

	f.mu.RLock()
	data, ok := f.cache[clean]
	f.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := f.resolve(ctx, clean)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	// A racing fetch may have won; keep whichever arrived first.
	if existing, ok := f.cache[clean]; ok {
		data = existing
	} else {
		f.cache[clean] = data
	}
	f.mu.Unlock()

	return data, nil
}

// Cached reports whether the name already sits in the cache
func (f *Fetcher) Cached(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.cache[filepath.Base(strings.TrimSpace(name))]
	return ok
}

func (f *Fetcher) resolve(ctx context.Context, name string) ([]byte, error) {
	if f.catalogDir != "" {
		path := filepath.Join(f.catalogDir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read library %s: %w", name, err)
		}
	}

	if f.baseURL == "" {
		return nil, fmt.Errorf("library %s not found in catalog", name)
	}
	return f.download(ctx, name)
}

func (f *Fetcher) download(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create library request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("library fetch for %s returned status %d", name, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read library %s body: %w", name, err)
	}
	return data, nil
}
