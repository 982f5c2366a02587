// Package offlinecache is an offline-capable HTTP response cache.
//
// A Worker serves one deployment: it precaches the app shell into the static
// cache on install, removes the caches of previous deployments on activate and
// answers intercepted requests with one of the caching strategies.
// A Registration hands requests to the active worker and promotes newly
// installed workers.
package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/lifetime"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/strategy"
	"github.com/always-cache/offline-cache/version"
)

// RangePolicy decides what happens to byte-range requests.
type RangePolicy string

const (
	// RangeBypass leaves range requests alone.
	RangeBypass RangePolicy = "bypass"
	// RangeNetwork intercepts range requests but always answers them from
	// the network, without touching a cache.
	RangeNetwork RangePolicy = "network"
)

// MissCache selects the cache that precache assets missing from the static
// cache are stored into.
type MissCache string

const (
	// MissStatic routes precache assets to the static cache.
	MissStatic MissCache = "static"
	// MissDynamic routes precache assets to the dynamic cache. Lookups still
	// fall back to the static cache, so precached copies keep being served.
	// Requires a strategy that consults the other current cache.
	MissDynamic MissCache = "dynamic"
)

type Policy struct {
	// Strategy for top-level page loads. Defaults to network-first.
	Navigation strategy.Name
	// Strategy for app shell assets. Defaults to cache-first.
	Precache strategy.Name
	// Cache for precache assets served with the Precache strategy.
	// Defaults to MissStatic.
	PrecacheMisses MissCache
	// Handling of byte-range requests. Defaults to RangeBypass.
	Range RangePolicy
	// Activate as soon as installed, without waiting for the clients of the
	// previous version to go away.
	SkipWaiting bool
}

type Config struct {
	// Storage holding the named caches.
	Storage cache.Storage
	// Network used for precaching and for serving.
	Fetcher fetch.Fetcher
	// Cache names of this deployment.
	Versions version.Versions
	// Resources to precache, relative to Scope or absolute.
	Manifest []string
	// Base URL of the application.
	Scope url.URL
	// Hosts whose resources are served stale-while-revalidate.
	ExternalHosts []string
	Policy        Policy
	// Request headers that are part of the cache key.
	VaryHeaders []string
	// Number of manifest resources fetched in parallel during install.
	// Zero means 4.
	InstallConcurrency int
	// Interval for refreshing every entry of the dynamic cache while active.
	// Zero disables refreshing.
	RefreshEvery time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// ActivateResult reports the garbage collection done on activation.
type ActivateResult struct {
	// Deleted lists the orphaned caches that were removed.
	Deleted []string
	// Failed holds one error per orphaned cache that could not be removed.
	Failed []error
}

// FetchResult is the outcome of handling an intercepted request.
type FetchResult struct {
	strategy.Result
	Class classify.Class
	// Intercepted is false when the worker leaves the request to the network.
	Intercepted bool
	Strategy    strategy.Name
}

type Worker struct {
	storage            cache.Storage
	fetcher            fetch.Fetcher
	versions           version.Versions
	manifest           []string
	scope              url.URL
	policy             Policy
	keyer              cachekey.CacheKeyer
	classifier         classify.Classifier
	engine             *strategy.Engine
	installConcurrency int
	refreshEvery       time.Duration
	log                zerolog.Logger

	mu    sync.RWMutex
	state State
	// closed when the activation in progress ends
	activated   chan struct{}
	stopRefresh context.CancelFunc
	// requests between the state check and handing off their event
	handling sync.WaitGroup
	events   lifetime.Tracker
}

// NewWorker validates the config and returns a worker in the Parsed state.
func NewWorker(config Config) (*Worker, error) {
	if config.Storage == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "storage is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "fetcher is required")
	}
	if _, err := version.New(config.Versions.Static(), config.Versions.Dynamic()); err != nil {
		return nil, err
	}
	policy, err := withDefaults(config.Policy)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("static", config.Versions.Static()).
		Str("dynamic", config.Versions.Dynamic()).
		Logger()

	keyer := cachekey.NewCacheKeyer(config.VaryHeaders...)
	concurrency := config.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		storage:            config.Storage,
		fetcher:            config.Fetcher,
		versions:           config.Versions,
		manifest:           append([]string(nil), config.Manifest...),
		scope:              config.Scope,
		policy:             policy,
		keyer:              keyer,
		classifier:         classify.New(config.Manifest, config.ExternalHosts, classify.Options{}),
		installConcurrency: concurrency,
		refreshEvery:       config.RefreshEvery,
		log:                logger,
		engine: strategy.New(strategy.Config{
			Storage:  config.Storage,
			Fetcher:  config.Fetcher,
			Versions: config.Versions,
			Keyer:    keyer,
			Logger:   &logger,
		}),
	}, nil
}

func withDefaults(p Policy) (Policy, error) {
	if p.Navigation == "" {
		p.Navigation = strategy.NetworkFirst
	}
	if p.Precache == "" {
		p.Precache = strategy.CacheFirst
	}
	if p.Range == "" {
		p.Range = RangeBypass
	}
	if p.PrecacheMisses == "" {
		p.PrecacheMisses = MissStatic
	}
	if _, err := strategy.ParseName(string(p.Navigation)); err != nil {
		return p, errors.Wrap(err, errors.CodeInvalidConfig, "navigation strategy")
	}
	if _, err := strategy.ParseName(string(p.Precache)); err != nil {
		return p, errors.Wrap(err, errors.CodeInvalidConfig, "precache strategy")
	}
	switch p.PrecacheMisses {
	case MissStatic:
	case MissDynamic:
		if p.Precache == strategy.StaleWhileRevalidate {
			return p, errors.New(errors.CodeInvalidConfig, "stale-while-revalidate only reads its own cache, precache misses must go to the static cache")
		}
	default:
		return p, errors.Newf(errors.CodeInvalidConfig, "unknown precache miss cache: %q", p.PrecacheMisses)
	}
	if p.Range != RangeBypass && p.Range != RangeNetwork {
		return p, errors.Newf(errors.CodeInvalidConfig, "unknown range policy: %q", p.Range)
	}
	return p, nil
}

func (w *Worker) Versions() version.Versions {
	return w.versions
}

func (w *Worker) Policy() Policy {
	return w.policy
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// transition moves the worker to state `to` if it is in one of `from`.
func (w *Worker) transition(op string, to State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = to
			return nil
		}
	}
	return invalidState(op, w.state)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install precaches the manifest into the static cache. Either every
// resource is fetched with a success status and stored, or nothing is stored
// and the worker becomes Redundant. Installing again with the same manifest
// leaves the static cache in the same state.
func (w *Worker) Install(ctx context.Context) error {
	prev := w.State()
	if err := w.transition("install", Installing, Parsed, Waiting); err != nil {
		return err
	}
	w.log.Info().Int("resources", len(w.manifest)).Msg("Installing")

	if err := w.precache(ctx); err != nil {
		if prev == Waiting {
			w.setState(Waiting)
		} else {
			w.setState(Redundant)
		}
		w.log.Error().Err(err).Msg("Install failed")
		return err
	}
	w.setState(Waiting)
	w.log.Info().Msg("Installed")
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	for i, resource := range w.manifest {
		g.Go(func() error {
			entry, err := w.fetchResource(gctx, resource)
			if err != nil {
				return errors.WithContext(
					errors.Wrap(err, CodePrecacheFailure, "could not precache resource"),
					"resource", resource)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	static := w.versions.Static()
	existed, err := w.storage.Has(ctx, static)
	if err != nil {
		return errors.Wrap(err, CodePrecacheFailure, "could not open static cache")
	}
	c, err := w.storage.Open(ctx, static)
	if err == nil {
		err = c.PutAll(ctx, entries)
	}
	if err != nil {
		if !existed {
			if _, derr := w.storage.Delete(ctx, static); derr != nil {
				w.log.Warn().Err(derr).Str("cache", static).Msg("Could not remove partially created cache")
			}
		}
		return errors.Wrap(err, CodePrecacheFailure, "could not store precached resources")
	}
	return nil
}

func (w *Worker) fetchResource(ctx context.Context, resource string) (cache.Entry, error) {
	ref, err := url.Parse(resource)
	if err != nil {
		return cache.Entry{}, err
	}
	uri := w.scope.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	w.log.Trace().Str("url", uri.String()).Msg("Precaching")
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	if !serializer.Ok(res) {
		res.Body.Close()
		return cache.Entry{}, fmt.Errorf("unexpected status %d for %s", res.StatusCode, uri)
	}
	b, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: w.keyer.Key(req), StoredAt: time.Now(), Bytes: b}, nil
}

// Activate deletes every cache that belongs to neither version of this
// worker and starts serving. A cache that cannot be deleted is reported in
// the result and does not stop the deletion of the others.
func (w *Worker) Activate(ctx context.Context) (ActivateResult, error) {
	if err := w.startActivation(); err != nil {
		return ActivateResult{}, err
	}
	return w.finishActivation(ctx)
}

// startActivation moves the worker to Activating. Fetches that arrive before
// finishActivation returns wait for it.
func (w *Worker) startActivation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Waiting && w.state != Active {
		return invalidState("activate", w.state)
	}
	w.state = Activating
	w.activated = make(chan struct{})
	return nil
}

func (w *Worker) finishActivation(ctx context.Context) (ActivateResult, error) {
	result := ActivateResult{Deleted: []string{}}
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.endActivation(ctx, Waiting)
		return result, errors.Wrap(err, errors.CodeDatabase, "could not list caches")
	}
	for _, name := range w.versions.Orphans(names) {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			err = errors.WithContext(
				errors.Wrap(err, CodeCacheDeletionFailure, "could not delete orphaned cache"),
				"cache", name)
			w.log.Warn().Err(err).Str("cache", name).Msg("Could not delete orphaned cache")
			result.Failed = append(result.Failed, err)
			continue
		}
		w.log.Debug().Str("cache", name).Msg("Deleted orphaned cache")
		result.Deleted = append(result.Deleted, name)
	}

	if state := w.endActivation(ctx, Active); state != Active {
		return result, invalidState("activate", state)
	}
	w.log.Info().Strs("deleted", result.Deleted).Int("failed", len(result.Failed)).Msg("Activated")
	return result, nil
}

// endActivation leaves Activating for `to` and releases waiting fetches.
// A worker closed in the meantime stays Redundant. It returns the new state.
func (w *Worker) endActivation(ctx context.Context, to State) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Activating {
		w.state = to
	}
	if w.activated != nil {
		close(w.activated)
		w.activated = nil
	}
	if w.state == Active && w.refreshEvery > 0 && w.stopRefresh == nil {
		refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w.stopRefresh = cancel
		go w.refreshLoop(refreshCtx)
	}
	return w.state
}

// HandleFetch classifies an intercepted request and serves it with the
// strategy and cache its class maps to. Background work started by the
// strategy is tracked until Wait or Close.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	if err := w.enter(ctx); err != nil {
		return FetchResult{}, err
	}
	defer w.handling.Done()
	class := w.classifier.Classify(req)
	name, cacheName, intercept := w.route(class, req)
	if !intercept {
		return FetchResult{Class: class}, nil
	}

	ev := lifetime.New(ctx)
	result, err := w.engine.Serve(ctx, ev, name, req, cacheName)
	w.events.Settle(ev, func(err error) {
		if err != nil {
			w.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Background work failed")
		}
	})
	return FetchResult{Result: result, Class: class, Intercepted: true, Strategy: name}, err
}

// enter admits a request while the worker is Active, waiting for an
// activation in progress. Every successful enter must be paired with
// w.handling.Done.
func (w *Worker) enter(ctx context.Context) error {
	for {
		w.mu.RLock()
		state, activated := w.state, w.activated
		if state == Active {
			w.handling.Add(1)
			w.mu.RUnlock()
			return nil
		}
		w.mu.RUnlock()
		if state != Activating || activated == nil {
			return invalidState("fetch", state)
		}
		select {
		case <-activated:
		case <-ctx.Done():
			return invalidState("fetch", state)
		}
	}
}

// route maps a request class to a strategy and a cache.
func (w *Worker) route(class classify.Class, req *http.Request) (strategy.Name, string, bool) {
	switch class {
	case classify.PrecacheAsset:
		if w.policy.PrecacheMisses == MissDynamic {
			return w.policy.Precache, w.versions.Dynamic(), true
		}
		return w.policy.Precache, w.versions.Static(), true
	case classify.Navigation:
		return w.policy.Navigation, w.versions.Dynamic(), true
	case classify.ExternalLibrary:
		return strategy.StaleWhileRevalidate, w.versions.Dynamic(), true
	case classify.RangeOrDataRequest:
		if w.policy.Range == RangeNetwork && classify.IsRange(req) {
			return strategy.NetworkFirst, w.versions.Dynamic(), true
		}
		return "", "", false
	case classify.Default:
		return strategy.NetworkFirst, w.versions.Dynamic(), true
	default:
		return "", "", false
	}
}

// Wait blocks until the background work of all handled requests is done.
func (w *Worker) Wait() {
	w.events.Wait()
}

// Close stops refreshing and waits for the requests being handled and their
// background work. The worker becomes Redundant.
func (w *Worker) Close() {
	w.mu.Lock()
	w.state = Redundant
	stop := w.stopRefresh
	w.stopRefresh = nil
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.handling.Wait()
	w.events.Wait()
}
