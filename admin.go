package offlinecache

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is where the admin routes are mounted by the binary. The routes
// are not authenticated: serve them on a private listener unless every client
// of the proxy may drive the lifecycle.
const AdminPrefix = "/.offline-cache"

// WorkerFactory creates a fresh worker for a new install.
type WorkerFactory func() (*Worker, error)

// AdminRouter exposes the lifecycle of the registration over HTTP:
//
//	POST /install       install a new worker, activating it per policy
//	POST /activate      release all clients and activate the waiting worker
//	POST /skip-waiting  activate the waiting worker now
//	POST /refresh       revalidate the dynamic cache of the active worker
//	GET  /status        workers, caches and clients as JSON
func AdminRouter(g *Registration, newWorker WorkerFactory) chi.Router {
	r := chi.NewRouter()
	r.Post("/install", func(w http.ResponseWriter, r *http.Request) {
		worker, err := newWorker()
		if err != nil {
			writeError(w, r, g, err)
			return
		}
		if err := g.Register(r.Context(), worker); err != nil {
			writeError(w, r, g, err)
			return
		}
		writeStatus(w, r, g)
	})
	r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
		if err := g.ReleaseClients(r.Context()); err != nil {
			writeError(w, r, g, err)
			return
		}
		writeStatus(w, r, g)
	})
	r.Post("/skip-waiting", func(w http.ResponseWriter, r *http.Request) {
		if err := g.SkipWaiting(r.Context()); err != nil {
			writeError(w, r, g, err)
			return
		}
		writeStatus(w, r, g)
	})
	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		active := g.Active()
		if active == nil {
			writeError(w, r, g, errors.New(CodeInvalidState, "no active worker"))
			return
		}
		result, err := active.Refresh(r.Context())
		if err != nil {
			writeError(w, r, g, err)
			return
		}
		writeJSON(w, r, g, http.StatusOK, result)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, g)
	})
	return r
}

func writeStatus(w http.ResponseWriter, r *http.Request, g *Registration) {
	status, err := g.Status(r.Context())
	if err != nil {
		writeError(w, r, g, err)
		return
	}
	writeJSON(w, r, g, http.StatusOK, status)
}

func writeError(w http.ResponseWriter, r *http.Request, g *Registration, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case CodePrecacheFailure:
		status = http.StatusBadGateway
	case CodeInvalidState:
		status = http.StatusConflict
	case errors.CodeInvalidConfig:
		status = http.StatusBadRequest
	}
	writeJSON(w, r, g, status, errors.ToJSON(err))
}

func writeJSON(w http.ResponseWriter, r *http.Request, g *Registration, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := hlog.FromRequest(r)
		if logger.GetLevel() == zerolog.Disabled {
			logger = &g.log
		}
		logger.Debug().Err(err).Str("url", r.URL.String()).Msg("Could not write admin response")
	}
}
