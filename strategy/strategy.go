// Package strategy implements the serving strategies of the cache:
// cache-first, network-first and stale-while-revalidate.
//
// A strategy only reads and writes entries of the caches it is pointed at;
// creating and deleting whole caches is the job of the lifecycle controller.
package strategy

import (
	"context"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/lifetime"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/version"
)

// CodeNoResponseAvailable marks requests for which neither a cache nor the
// network produced a response.
const CodeNoResponseAvailable errors.ErrorCode = "NO_RESPONSE_AVAILABLE"

// IsNoResponse reports whether err means no response could be produced.
func IsNoResponse(err error) bool {
	return errors.GetCode(err) == CodeNoResponseAvailable
}

func noResponse(err error, req *http.Request) error {
	return errors.WithContext(
		errors.Wrap(err, CodeNoResponseAvailable, "no response available"),
		"url", req.URL.String())
}

// Name identifies a strategy.
type Name string

const (
	CacheFirst           Name = "cache-first"
	NetworkFirst         Name = "network-first"
	StaleWhileRevalidate Name = "stale-while-revalidate"
)

func (n Name) String() string {
	return string(n)
}

// ParseName validates a strategy name.
func ParseName(s string) (Name, error) {
	switch n := Name(s); n {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return n, nil
	default:
		return "", errors.Newf(errors.CodeInvalidConfig, "unknown strategy: %q", s)
	}
}

// Result is the outcome of serving a request.
type Result struct {
	Response *http.Response
	// Hit is set when the response was read from a cache.
	Hit bool
	// Cache is the cache the response was read from or stored into.
	Cache string
	// Stored is set when the response was written to Cache before returning.
	Stored bool
}

type Config struct {
	Storage  cache.Storage
	Fetcher  fetch.Fetcher
	Versions version.Versions
	Keyer    cachekey.CacheKeyer
	// Logger to use. A no-op logger is used if nil.
	Logger *zerolog.Logger
}

// Engine runs the strategies against one storage and one network.
// It is safe for concurrent use.
type Engine struct {
	storage  cache.Storage
	fetcher  fetch.Fetcher
	versions version.Versions
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
	reval    singleflight.Group
}

func New(config Config) *Engine {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Engine{
		storage:  config.Storage,
		fetcher:  config.Fetcher,
		versions: config.Versions,
		keyer:    config.Keyer,
		log:      logger,
	}
}

// Serve runs the named strategy.
func (e *Engine) Serve(ctx context.Context, ev *lifetime.Event, name Name, req *http.Request, cacheName string) (Result, error) {
	switch name {
	case CacheFirst:
		return e.CacheFirst(ctx, ev, req, cacheName)
	case NetworkFirst:
		return e.NetworkFirst(ctx, ev, req, cacheName)
	case StaleWhileRevalidate:
		return e.StaleWhileRevalidate(ctx, ev, req, cacheName)
	default:
		return Result{}, errors.Newf(errors.CodeInvalidInput, "unknown strategy: %q", name)
	}
}

// CacheFirst answers from the cache without touching the network.
// On a miss the response is fetched, stored into cacheName when successful
// and returned.
func (e *Engine) CacheFirst(ctx context.Context, ev *lifetime.Event, req *http.Request, cacheName string) (Result, error) {
	if !cacheable(req) {
		return e.forward(ctx, req)
	}
	key := e.keyer.Key(req)
	if res, name, ok := e.lookup(ctx, req, key, e.fallbackNames(cacheName)...); ok {
		return Result{Response: res, Hit: true, Cache: name}, nil
	}
	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, noResponse(err, req)
	}
	stored, err := e.store(ctx, cacheName, key, res)
	if err != nil {
		return Result{}, noResponse(err, req)
	}
	return Result{Response: res, Cache: cacheName, Stored: stored}, nil
}

// NetworkFirst answers from the network, refreshing cacheName with every
// successful response. When the network fails, the cache is consulted.
func (e *Engine) NetworkFirst(ctx context.Context, ev *lifetime.Event, req *http.Request, cacheName string) (Result, error) {
	if !cacheable(req) {
		return e.forward(ctx, req)
	}
	key := e.keyer.Key(req)
	res, err := e.fetcher.Fetch(ctx, req)
	var stored bool
	if err == nil {
		stored, err = e.store(ctx, cacheName, key, res)
	}
	if err == nil {
		return Result{Response: res, Cache: cacheName, Stored: stored}, nil
	}
	e.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed, falling back to cache")
	if cached, name, ok := e.lookup(ctx, req, key, e.fallbackNames(cacheName)...); ok {
		return Result{Response: cached, Hit: true, Cache: name}, nil
	}
	return Result{}, noResponse(err, req)
}

// StaleWhileRevalidate answers from cacheName when possible and refreshes the
// entry in the background. The refresh is registered with ev; on a miss the
// caller waits for the network instead. ev must not be nil.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, ev *lifetime.Event, req *http.Request, cacheName string) (Result, error) {
	if !cacheable(req) {
		return e.forward(ctx, req)
	}
	key := e.keyer.Key(req)
	if cached, name, ok := e.lookup(ctx, req, key, cacheName); ok {
		ev.WaitUntil(func(ctx context.Context) error {
			_, err := e.revalidate(ctx, req, key, cacheName)
			if err != nil {
				e.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Background revalidation failed")
			}
			return err
		})
		return Result{Response: cached, Hit: true, Cache: name}, nil
	}
	rev, err := e.revalidate(ctx, req, key, cacheName)
	if err != nil {
		return Result{}, noResponse(err, req)
	}
	res, err := serializer.BytesToResponse(rev.snapshot, req)
	if err != nil {
		return Result{}, noResponse(err, req)
	}
	return Result{Response: res, Cache: cacheName, Stored: rev.stored}, nil
}

// Revalidate fetches req and overwrites its entry in cacheName with a
// successful response. It reports whether the entry was written.
func (e *Engine) Revalidate(ctx context.Context, req *http.Request, cacheName string) (bool, error) {
	if !cacheable(req) {
		return false, nil
	}
	rev, err := e.revalidate(ctx, req, e.keyer.Key(req), cacheName)
	return rev.stored, err
}

type revalidation struct {
	snapshot []byte
	stored   bool
}

// revalidate fetches req and stores the response into cacheName. Concurrent
// revalidations of the same entry share one network call, which runs to
// completion even if the caller that started it goes away. A cancelled
// caller stops waiting without failing the others.
func (e *Engine) revalidate(ctx context.Context, req *http.Request, key, cacheName string) (revalidation, error) {
	shared := context.WithoutCancel(ctx)
	ch := e.reval.DoChan(cacheName+"\x00"+key, func() (any, error) {
		res, err := e.fetcher.Fetch(shared, req)
		if err != nil {
			return revalidation{}, err
		}
		snapshot, err := serializer.ResponseToBytes(res)
		if err != nil {
			return revalidation{}, errors.Wrap(err, errors.CodeNetwork, "could not read response body")
		}
		stored := false
		if serializer.Ok(res) {
			stored = e.put(shared, cacheName, key, snapshot)
		} else {
			e.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Non-cacheable response")
		}
		return revalidation{snapshot: snapshot, stored: stored}, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return revalidation{}, r.Err
		}
		return r.Val.(revalidation), nil
	case <-ctx.Done():
		return revalidation{}, errors.Wrap(ctx.Err(), errors.CodeNetwork, "cancelled")
	}
}

// forward sends requests the cache must not see straight to the network.
func (e *Engine) forward(ctx context.Context, req *http.Request) (Result, error) {
	res, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, noResponse(err, req)
	}
	return Result{Response: res}, nil
}

// fallbackNames returns cacheName followed by the other current caches.
func (e *Engine) fallbackNames(cacheName string) []string {
	names := []string{cacheName}
	for _, name := range e.versions.Current() {
		if name != cacheName {
			names = append(names, name)
		}
	}
	return names
}

// lookup returns the first stored response for key in the named caches.
// Storage failures are logged and count as a miss.
func (e *Engine) lookup(ctx context.Context, req *http.Request, key string, names ...string) (*http.Response, string, bool) {
	entry, name, ok, err := cache.MatchAny(ctx, e.storage, key, names...)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, "", false
	}
	if !ok {
		e.log.Trace().Str("key", key).Msg("Cache miss")
		return nil, "", false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, req)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Str("cache", name).Msg("Could not decode cached response")
		return nil, "", false
	}
	e.log.Trace().Str("key", key).Str("cache", name).Msg("Cache hit")
	return res, name, true
}

// store writes a successful response into cacheName and reports whether it
// did. The body of res is read and replaced, so res stays usable. An error is
// only returned when the body could not be read.
func (e *Engine) store(ctx context.Context, cacheName, key string, res *http.Response) (bool, error) {
	if !serializer.Ok(res) {
		e.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Non-cacheable response")
		return false, nil
	}
	snapshot, err := serializer.ResponseToBytes(res)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeNetwork, "could not read response body")
	}
	return e.put(ctx, cacheName, key, snapshot), nil
}

// put stores a snapshot. Failures are logged, the request is still served.
func (e *Engine) put(ctx context.Context, cacheName, key string, snapshot []byte) bool {
	c, err := e.storage.Open(ctx, cacheName)
	if err == nil {
		err = c.Put(ctx, cache.Entry{Key: key, StoredAt: time.Now(), Bytes: snapshot})
	}
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Str("cache", cacheName).Msg("Could not store response")
		return false
	}
	e.log.Trace().Str("key", key).Str("cache", cacheName).Msg("Stored response")
	return true
}

// cacheable reports whether req may be read from or written to a cache.
// Only whole-resource GET requests qualify.
func cacheable(req *http.Request) bool {
	return (req.Method == "" || req.Method == http.MethodGet) && req.Header.Get("Range") == ""
}
