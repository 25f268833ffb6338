package libfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFromCatalog(t *testing.T) {
	catalog := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(catalog, "threads.scad"), []byte("module thread() {}"), 0o644))

	fetcher := New(catalog)
	data, err := fetcher.Fetch(context.Background(), "threads.scad")
	require.NoError(t, err)
	assert.Equal(t, "module thread() {}", string(data))
	assert.True(t, fetcher.Cached("threads.scad"), "fetched library must be cached")
}

func TestFetchCachesForProcessLifetime(t *testing.T) {
	catalog := t.TempDir()
	path := filepath.Join(catalog, "gears.scad")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fetcher := New(catalog)
	_, err := fetcher.Fetch(context.Background(), "gears.scad")
	require.NoError(t, err)

	// The file disappearing must not matter once cached
	os.Remove(path)
	data, err := fetcher.Fetch(context.Background(), "gears.scad")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "cache must serve the original bytes")
}

func TestFetchSanitizesName(t *testing.T) {
	catalog := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(catalog, "passwd"), []byte("safe"), 0o644))

	fetcher := New(catalog)
	// Path traversal collapses to the base name inside the catalog
	data, err := fetcher.Fetch(context.Background(), "../../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "safe", string(data), "traversal must resolve inside the catalog")
}

func TestFetchFallsBackToRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remote.scad" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("remote library"))
	}))
	defer server.Close()

	fetcher := New(t.TempDir()).WithBaseURL(server.URL)
	data, err := fetcher.Fetch(context.Background(), "remote.scad")
	require.NoError(t, err)
	assert.Equal(t, "remote library", string(data))

	// Second fetch is served from cache even if the server is gone
	server.Close()
	_, err = fetcher.Fetch(context.Background(), "remote.scad")
	assert.NoError(t, err, "cached remote fetch must not hit the network")
}

func TestFetchUnknownLibrary(t *testing.T) {
	fetcher := New(t.TempDir())
	_, err := fetcher.Fetch(context.Background(), "missing.scad")
	assert.Error(t, err, "a library absent from the catalog with no remote configured must fail")
}
