package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	"github.com/always-cache/offline-cache/fetch"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/strategy"
	"github.com/always-cache/offline-cache/version"
)

var (
	v1 = version.MustNew("static-v1", "dynamic-v1")
	v2 = version.MustNew("static-v2", "dynamic-v2")

	testManifest = []string{"./", "./index.html", "./app.js"}
)

// testOrigin serves fixed bodies by path and can be taken offline.
type testOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	calls   map[string]int
	offline bool
}

func newTestOrigin() *testOrigin {
	return &testOrigin{
		bodies: map[string]string{
			"/":           "home",
			"/index.html": "index",
			"/app.js":     "js",
			"/api/items":  "items",
			"/font.woff2": "font",
		},
		calls: make(map[string]int),
	}
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.calls[r.URL.Path]++
	body, ok := o.bodies[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, body)
}

func (o *testOrigin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	offline := o.offline
	o.mu.Unlock()
	if offline {
		return nil, errors.New(errors.CodeNetwork, "connection refused")
	}
	return fetch.HandlerFetcher{Handler: o}.Fetch(ctx, req)
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *testOrigin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

func (o *testOrigin) callsTo(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

// gatedFetcher holds requests for path at a gate, once armed.
type gatedFetcher struct {
	fetch.Fetcher
	path string

	mu      sync.Mutex
	gate    chan struct{}
	arrived chan struct{}
}

// arm closes the gate. arrived receives when a request reaches it.
func (f *gatedFetcher) arm() (arrived <-chan struct{}, open func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	f.arrived = make(chan struct{}, 1)
	return f.arrived, func() { close(gate) }
}

func (f *gatedFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	gate, arrived := f.gate, f.arrived
	f.mu.Unlock()
	if gate != nil && req.URL.Path == f.path {
		select {
		case arrived <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.CodeNetwork, "cancelled")
		}
	}
	return f.Fetcher.Fetch(ctx, req)
}

// failingStorage fails to delete the listed caches.
type failingStorage struct {
	cache.Storage
	failDelete map[string]bool
}

func (s failingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, errors.New(errors.CodeDatabase, "disk I/O error")
	}
	return s.Storage.Delete(ctx, name)
}

func testConfig(storage cache.Storage, origin fetch.Fetcher, versions version.Versions) Config {
	scope, _ := url.Parse("https://app.example.com/")
	logger := zerolog.Nop()
	return Config{
		Storage:       storage,
		Fetcher:       origin,
		Versions:      versions,
		Manifest:      testManifest,
		Scope:         *scope,
		ExternalHosts: []string{"fonts.gstatic.com"},
		Policy:        Policy{SkipWaiting: true},
		Logger:        &logger,
	}
}

func newTestWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := NewWorker(config)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func activeWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w := newTestWorker(t, config)
	require.NoError(t, w.Install(context.Background()))
	_, err := w.Activate(context.Background())
	require.NoError(t, err)
	return w
}

func keysOf(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func names(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	names, err := storage.Names(context.Background())
	require.NoError(t, err)
	return names
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		req.Header[k] = vv
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewWorkerValidatesConfig(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()

	_, err := NewWorker(Config{Fetcher: origin, Versions: v1})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = NewWorker(Config{Storage: storage, Fetcher: origin})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	config := testConfig(storage, origin, v1)
	config.Policy.Navigation = "cache-only"
	_, err = NewWorker(config)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	w, err := NewWorker(testConfig(storage, origin, v1))
	require.NoError(t, err)
	assert.Equal(t, Parsed, w.State())
	assert.Equal(t, strategy.NetworkFirst, w.Policy().Navigation)
	assert.Equal(t, strategy.CacheFirst, w.Policy().Precache)
	assert.Equal(t, RangeBypass, w.Policy().Range)
}

func TestInstallPrecachesManifest(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(storage, newTestOrigin(), v1))

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, Waiting, w.State())
	want := []string{
		"GET:https://app.example.com/\t",
		"GET:https://app.example.com/app.js\t",
		"GET:https://app.example.com/index.html\t",
	}
	assert.Equal(t, want, keysOf(t, storage, "static-v1"))

	// installing again yields the same cache state
	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, Waiting, w.State())
	assert.Equal(t, want, keysOf(t, storage, "static-v1"))
	assert.Equal(t, []string{"static-v1"}, names(t, storage))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	storage := cache.NewMemStorage()
	config := testConfig(storage, newTestOrigin(), v1)
	config.Manifest = append(testManifest, "./missing.js")
	w := newTestWorker(t, config)

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.True(t, IsPrecacheFailure(err))
	assert.Equal(t, Redundant, w.State())
	assert.Empty(t, names(t, storage))

	_, err = w.Activate(context.Background())
	assert.Equal(t, CodeInvalidState, errors.GetCode(err))
}

func TestInstallFailsOffline(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()
	origin.setOffline(true)
	w := newTestWorker(t, testConfig(storage, origin, v1))

	err := w.Install(context.Background())
	assert.True(t, IsPrecacheFailure(err))
	assert.Empty(t, names(t, storage))
}

func TestInstallFromDirectoryOrigin(t *testing.T) {
	site := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(site, "index.html"), []byte("<h1>shell</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(site, "manifest.json"), []byte("{}"), 0o644))
	storage := cache.NewMemStorage()
	config := testConfig(storage, fetch.HandlerFetcher{Handler: fetch.DirHandler(site)}, v1)
	config.Manifest = []string{"./", "./index.html", "./manifest.json"}
	w := activeWorker(t, config)

	assert.ElementsMatch(t, []string{
		"GET:https://app.example.com/\t",
		"GET:https://app.example.com/index.html\t",
		"GET:https://app.example.com/manifest.json\t",
	}, keysOf(t, storage, "static-v1"))

	rr := serve(w, http.MethodGet, "/index.html", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<h1>shell</h1>", rr.Body.String())
}

func TestActivateDeletesOnlyOrphans(t *testing.T) {
	storage := cache.NewMemStorage()
	ctx := context.Background()
	for _, name := range []string{"static-v1", "dynamic-v1", "dynamic-v2", "unrelated"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	w := newTestWorker(t, testConfig(storage, newTestOrigin(), v2))
	require.NoError(t, w.Install(ctx))

	result, err := w.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, w.State())
	assert.ElementsMatch(t, []string{"static-v1", "dynamic-v1", "unrelated"}, result.Deleted)
	assert.Empty(t, result.Failed)
	assert.ElementsMatch(t, []string{"dynamic-v2", "static-v2"}, names(t, storage))
	assert.Len(t, keysOf(t, storage, "static-v2"), len(testManifest))
}

func TestActivateIsolatesDeletionFailures(t *testing.T) {
	mem := cache.NewMemStorage()
	ctx := context.Background()
	for _, name := range []string{"static-v1", "dynamic-v1"} {
		_, err := mem.Open(ctx, name)
		require.NoError(t, err)
	}
	storage := failingStorage{Storage: mem, failDelete: map[string]bool{"static-v1": true}}
	w := newTestWorker(t, testConfig(storage, newTestOrigin(), v2))
	require.NoError(t, w.Install(ctx))

	result, err := w.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, w.State())
	assert.Equal(t, []string{"dynamic-v1"}, result.Deleted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, CodeCacheDeletionFailure, errors.GetCode(result.Failed[0]))
	assert.ElementsMatch(t, []string{"static-v1", "static-v2"}, names(t, mem))
}

func TestHandleFetchRequiresActiveWorker(t *testing.T) {
	w := newTestWorker(t, testConfig(cache.NewMemStorage(), newTestOrigin(), v1))
	require.NoError(t, w.Install(context.Background()))

	_, err := w.HandleFetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil))
	assert.Equal(t, CodeInvalidState, errors.GetCode(err))
}

func TestHandleFetchWaitsForActivation(t *testing.T) {
	w := newTestWorker(t, testConfig(cache.NewMemStorage(), newTestOrigin(), v1))
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.startActivation())

	done := make(chan error, 1)
	go func() {
		_, err := w.HandleFetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.example.com/app.js", nil))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("fetch handled before activation finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	_, err := w.finishActivation(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-done)

	// a closed worker does not come back to life when its activation ends
	other := newTestWorker(t, testConfig(cache.NewMemStorage(), newTestOrigin(), v2))
	require.NoError(t, other.Install(context.Background()))
	require.NoError(t, other.startActivation())
	other.Close()
	_, err = other.finishActivation(context.Background())
	assert.Equal(t, CodeInvalidState, errors.GetCode(err))
	assert.Equal(t, Redundant, other.State())
}

func TestHandleFetchRoutesByClass(t *testing.T) {
	storage := cache.NewMemStorage()
	w := activeWorker(t, testConfig(storage, newTestOrigin(), v1))

	tests := []struct {
		name        string
		method      string
		url         string
		header      http.Header
		class       classify.Class
		strategy    strategy.Name
		cache       string
		intercepted bool
	}{
		{
			name: "precache asset", url: "https://app.example.com/app.js",
			class: classify.PrecacheAsset, strategy: strategy.CacheFirst, cache: "static-v1", intercepted: true,
		},
		{
			name: "navigation", url: "https://app.example.com/about",
			header: http.Header{"Sec-Fetch-Mode": {"navigate"}},
			class:  classify.Navigation, strategy: strategy.NetworkFirst, cache: "dynamic-v1", intercepted: true,
		},
		{
			name: "external library", url: "https://fonts.gstatic.com/font.woff2",
			class: classify.ExternalLibrary, strategy: strategy.StaleWhileRevalidate, cache: "dynamic-v1", intercepted: true,
		},
		{
			name: "default", url: "https://app.example.com/api/items",
			class: classify.Default, strategy: strategy.NetworkFirst, cache: "dynamic-v1", intercepted: true,
		},
		{
			name: "range", url: "https://app.example.com/app.js",
			header: http.Header{"Range": {"bytes=0-1"}},
			class:  classify.RangeOrDataRequest,
		},
		{
			name: "post", method: http.MethodPost, url: "https://app.example.com/api/items",
			class: classify.Passthrough,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.url, nil)
			for k, vv := range tt.header {
				req.Header[k] = vv
			}
			result, err := w.HandleFetch(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.class, result.Class)
			assert.Equal(t, tt.intercepted, result.Intercepted)
			if tt.intercepted {
				assert.Equal(t, tt.strategy, result.Strategy)
				assert.Equal(t, tt.cache, result.Cache)
				result.Response.Body.Close()
			}
		})
	}
	w.Wait()
}

func TestPrecacheMissesIntoDynamicCache(t *testing.T) {
	storage := cache.NewMemStorage()
	config := testConfig(storage, newTestOrigin(), v1)
	config.Policy.PrecacheMisses = MissDynamic
	w := activeWorker(t, config)
	ctx := context.Background()
	appJS := "https://app.example.com/app.js"

	// precached copies are still served from the static cache
	result, err := w.HandleFetch(ctx, httptest.NewRequest(http.MethodGet, appJS, nil))
	require.NoError(t, err)
	assert.True(t, result.Hit)
	assert.Equal(t, "static-v1", result.Cache)
	result.Response.Body.Close()

	static, err := storage.Open(ctx, "static-v1")
	require.NoError(t, err)
	_, err = static.Delete(ctx, "GET:"+appJS+"\t")
	require.NoError(t, err)

	result, err = w.HandleFetch(ctx, httptest.NewRequest(http.MethodGet, appJS, nil))
	require.NoError(t, err)
	assert.False(t, result.Hit)
	assert.True(t, result.Stored)
	assert.Equal(t, "dynamic-v1", result.Cache)
	result.Response.Body.Close()
	assert.Equal(t, []string{"GET:" + appJS + "\t"}, keysOf(t, storage, "dynamic-v1"))
	assert.NotContains(t, keysOf(t, storage, "static-v1"), "GET:"+appJS+"\t")
}

func TestRangeNetworkPolicy(t *testing.T) {
	storage := cache.NewMemStorage()
	config := testConfig(storage, newTestOrigin(), v1)
	config.Policy.Range = RangeNetwork
	w := activeWorker(t, config)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/api/items", nil)
	req.Header.Set("Range", "bytes=0-1")
	result, err := w.HandleFetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Intercepted)
	assert.False(t, result.Hit)
	assert.False(t, result.Stored)
	result.Response.Body.Close()
	assert.Equal(t, []string{"static-v1"}, names(t, storage))
}

func TestServeHTTPOffline(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()
	w := activeWorker(t, testConfig(storage, origin, v1))

	// app shell comes from the static cache without the network
	before := origin.callsTo("/index.html")
	rr := serve(w, http.MethodGet, "/index.html", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "index", rr.Body.String())
	assert.Equal(t, "OfflineCache; hit; detail=cache-first", rr.Header().Get(cachestatus.HeaderName))
	assert.Equal(t, before, origin.callsTo("/index.html"))

	// dynamic content is stored on the way through
	rr = serve(w, http.MethodGet, "/api/items", nil)
	assert.Equal(t, "items", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=request; stored; detail=network-first", rr.Header().Get(cachestatus.HeaderName))

	origin.setOffline(true)
	rr = serve(w, http.MethodGet, "/api/items", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "items", rr.Body.String())
	assert.Equal(t, "OfflineCache; hit; detail=network-first", rr.Header().Get(cachestatus.HeaderName))

	// never seen and offline: a network error, not an empty success
	rr = serve(w, http.MethodGet, "/api/other", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "OfflineCache; fwd=miss; detail=no-response", rr.Header().Get(cachestatus.HeaderName))
}

func TestServeHTTPPassthrough(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()
	w := activeWorker(t, testConfig(storage, origin, v1))

	rr := serve(w, http.MethodPost, "/api/items", nil)
	assert.Equal(t, "items", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=method", rr.Header().Get(cachestatus.HeaderName))

	rr = serve(w, http.MethodGet, "/app.js", http.Header{"Range": {"bytes=0-1"}})
	assert.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get(cachestatus.HeaderName))
	assert.Equal(t, []string{"static-v1"}, names(t, storage))
}

func TestServeHTTPStaleWhileRevalidate(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()
	w := activeWorker(t, testConfig(storage, origin, v1))

	rr := serve(w, http.MethodGet, "https://fonts.gstatic.com/font.woff2", nil)
	assert.Equal(t, "font", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored; detail=stale-while-revalidate", rr.Header().Get(cachestatus.HeaderName))

	origin.set("/font.woff2", "font-v2")
	rr = serve(w, http.MethodGet, "https://fonts.gstatic.com/font.woff2", nil)
	assert.Equal(t, "font", rr.Body.String())
	w.Wait()

	rr = serve(w, http.MethodGet, "https://fonts.gstatic.com/font.woff2", nil)
	assert.Equal(t, "font-v2", rr.Body.String())
}

func TestRefreshUpdatesDynamicCache(t *testing.T) {
	storage := cache.NewMemStorage()
	origin := newTestOrigin()
	w := activeWorker(t, testConfig(storage, origin, v1))

	serve(w, http.MethodGet, "/api/items", nil)
	origin.set("/api/items", "items-v2")

	result, err := w.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Updated: 1}, result)

	origin.setOffline(true)
	rr := serve(w, http.MethodGet, "/api/items", nil)
	assert.Equal(t, "items-v2", rr.Body.String())

	result, err = w.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Failed: 1}, result)
}
