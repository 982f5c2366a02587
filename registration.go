package offlinecache

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/fetch"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// ClientIDHeader identifies the client (e.g. a browser tab) a request
// belongs to. Clients without it are identified by their remote address.
const ClientIDHeader = "X-Client-Id"

const maxControllerAttempts = 3

type RegistrationConfig struct {
	// Network for requests that arrive while no worker is active.
	// If nil, such requests are answered with 503.
	Fallback fetch.Fetcher
	// A client that sent no request for this long no longer holds back a
	// waiting worker. Zero means 5 minutes.
	ClientIdleTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type client struct {
	worker   *Worker
	lastSeen time.Time
}

// Registration owns the workers of one scope: at most one active worker
// serving requests and at most one installed worker waiting to take over.
type Registration struct {
	fallback    fetch.Fetcher
	idleTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time

	// serializes install and activation
	lifecycle sync.Mutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients map[string]*client
}

func NewRegistration(config RegistrationConfig) *Registration {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	idle := config.ClientIdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Registration{
		fallback:    config.Fallback,
		idleTimeout: idle,
		log:         logger,
		now:         time.Now,
		clients:     make(map[string]*client),
	}
}

// Register installs w. On success w replaces any waiting worker and is
// activated right away when its policy skips waiting, when there is no active
// worker or when the active worker has no live clients. On failure the
// current workers are left untouched.
func (g *Registration) Register(ctx context.Context, w *Worker) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	replaced := g.waiting
	g.waiting = w
	activate := w.Policy().SkipWaiting || g.active == nil || g.liveClients() == 0
	g.mu.Unlock()
	if replaced != nil && replaced != w {
		replaced.Close()
	}

	if !activate {
		g.log.Info().Str("versions", w.Versions().String()).Msg("Worker waiting for clients to be released")
		return nil
	}
	return g.promote(ctx)
}

// SkipWaiting activates the waiting worker regardless of clients.
func (g *Registration) SkipWaiting(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	return g.promote(ctx)
}

// ReleaseClients forgets all clients of the active worker and activates the
// waiting worker, if any.
func (g *Registration) ReleaseClients(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mu.Lock()
	g.clients = make(map[string]*client)
	hasWaiting := g.waiting != nil
	g.mu.Unlock()
	if !hasWaiting {
		return nil
	}
	return g.promote(ctx)
}

// promote activates the waiting worker, claims every client and retires the
// previously active worker. The caller holds the lifecycle lock.
//
// The old worker is drained before any cache is deleted, so that none of its
// background writes lands in a cache the new worker has just removed. Requests
// arriving meanwhile are routed to the new worker and wait for its activation.
func (g *Registration) promote(ctx context.Context) error {
	g.mu.Lock()
	w, old := g.waiting, g.active
	g.mu.Unlock()
	if w == nil {
		return errors.New(CodeInvalidState, "no waiting worker")
	}
	if err := w.startActivation(); err != nil {
		return err
	}

	g.mu.Lock()
	g.active = w
	g.waiting = nil
	for _, c := range g.clients {
		c.worker = w
	}
	claimed := len(g.clients)
	g.mu.Unlock()

	if old != nil && old != w {
		old.Close()
	}
	if _, err := w.finishActivation(ctx); err != nil {
		g.mu.Lock()
		if g.active == w {
			g.active = nil
			g.waiting = w
		}
		g.mu.Unlock()
		return err
	}
	g.log.Info().Str("versions", w.Versions().String()).Int("claimed", claimed).Msg("Worker activated")
	return nil
}

// liveClients counts the clients seen within the idle timeout.
// The caller holds mu.
func (g *Registration) liveClients() int {
	deadline := g.now().Add(-g.idleTimeout)
	live := 0
	for _, c := range g.clients {
		if c.lastSeen.After(deadline) {
			live++
		}
	}
	return live
}

func (g *Registration) Active() *Worker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Registration) Waiting() *Worker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

// controller returns the worker controlling the client of r, recording the
// client. A waiting worker takes over first if all clients have gone idle.
func (g *Registration) controller(r *http.Request) *Worker {
	g.mu.Lock()
	promote := g.waiting != nil && g.liveClients() == 0
	g.mu.Unlock()
	if promote {
		g.lifecycle.Lock()
		g.mu.Lock()
		stillIdle := g.waiting != nil && g.liveClients() == 0
		g.mu.Unlock()
		if stillIdle {
			if err := g.promote(r.Context()); err != nil {
				g.log.Error().Err(err).Msg("Could not activate waiting worker")
			}
		}
		g.lifecycle.Unlock()
	}

	id := clientID(r)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return nil
	}
	c, ok := g.clients[id]
	if !ok {
		c = &client{worker: g.active}
		g.clients[id] = c
	} else if c.worker != g.active && c.worker.State() == Redundant {
		c.worker = g.active
	}
	c.lastSeen = g.now()
	return c.worker
}

// ServeHTTP hands the request to the worker controlling its client. A worker
// retired between being picked and handling the request hands it back, and
// the client's new controller is looked up again.
func (g *Registration) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	for attempt := 0; attempt < maxControllerAttempts; attempt++ {
		w := g.controller(r)
		if w == nil {
			break
		}
		err := w.serve(rw, r)
		if err == nil {
			return
		}
		g.log.Debug().Err(err).Str("versions", w.Versions().String()).Msg("Worker retired, resolving controller again")
		if attempt == maxControllerAttempts-1 {
			http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	cs := cachestatus.CacheStatus{Detail: "no-worker"}
	cs.Forward(cachestatus.FwdBypass)
	rw.Header().Set(cachestatus.HeaderName, cs.String())
	if g.fallback == nil {
		http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	res, err := g.fallback.Fetch(r.Context(), r)
	if err != nil {
		g.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fallback request failed")
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// Close retires all workers.
func (g *Registration) Close() {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	g.mu.Lock()
	active, waiting := g.active, g.waiting
	g.active, g.waiting = nil, nil
	g.mu.Unlock()
	for _, w := range []*Worker{active, waiting} {
		if w != nil {
			w.Close()
		}
	}
}

type WorkerStatus struct {
	State   string `json:"state"`
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

type Status struct {
	Active  *WorkerStatus `json:"active,omitempty"`
	Waiting *WorkerStatus `json:"waiting,omitempty"`
	// Names of all caches in storage, in creation order.
	Caches  []string `json:"caches"`
	Clients int      `json:"clients"`
}

// Status reports the workers, the caches in storage and the live clients.
func (g *Registration) Status(ctx context.Context) (Status, error) {
	g.mu.Lock()
	active, waiting := g.active, g.waiting
	status := Status{Clients: g.liveClients(), Caches: []string{}}
	g.mu.Unlock()

	for _, w := range []*Worker{active, waiting} {
		if w == nil {
			continue
		}
		ws := &WorkerStatus{State: w.State().String(), Static: w.versions.Static(), Dynamic: w.versions.Dynamic()}
		if w == active {
			status.Active = ws
		} else {
			status.Waiting = ws
		}
	}
	if w := firstWorker(active, waiting); w != nil {
		names, err := w.storage.Names(ctx)
		if err != nil {
			return status, err
		}
		status.Caches = names
	}
	return status, nil
}

func firstWorker(workers ...*Worker) *Worker {
	for _, w := range workers {
		if w != nil {
			return w
		}
	}
	return nil
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
