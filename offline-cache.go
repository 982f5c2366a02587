package offlinecache

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/offline-cache/classify"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/strategy"
)

// ServeHTTP implements the http.Handler interface.
// Requests the worker does not intercept are forwarded to its network.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if err := w.serve(rw, r); err != nil {
		w.getLogger(r).Error().Err(err).Msg("Could not handle request")
		http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

// serve answers r unless the worker is not active, in which case nothing is
// written and the invalid state error is returned.
func (w *Worker) serve(rw http.ResponseWriter, r *http.Request) error {
	req := w.resolve(r)
	result, err := w.HandleFetch(r.Context(), req)
	if err != nil {
		if errors.GetCode(err) == CodeInvalidState {
			return err
		}
		if IsNoResponse(err) {
			cs := cachestatus.CacheStatus{Detail: "no-response"}
			cs.Forward(cachestatus.FwdMiss)
			w.sendError(rw, r, http.StatusBadGateway, cs)
			return nil
		}
		w.getLogger(r).Error().Err(err).Msg("Could not handle request")
		http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return nil
	}
	if !result.Intercepted {
		cs := cachestatus.CacheStatus{}
		if result.Class == classify.Passthrough {
			cs.Forward(cachestatus.FwdMethod)
		} else {
			cs.Forward(cachestatus.FwdBypass)
		}
		w.passthrough(rw, r, req, cs)
		return nil
	}
	w.send(rw, r, result.Response, resultStatus(result))
	return nil
}

// resultStatus describes how a strategy produced its response.
func resultStatus(result FetchResult) cachestatus.CacheStatus {
	cs := cachestatus.CacheStatus{Stored: result.Stored, Detail: string(result.Strategy)}
	switch {
	case result.Hit:
		cs.Hit()
	case result.Class == classify.RangeOrDataRequest:
		cs.Forward(cachestatus.FwdPartial)
	case result.Strategy == strategy.NetworkFirst:
		cs.Forward(cachestatus.FwdRequest)
	default:
		cs.Forward(cachestatus.FwdUriMiss)
	}
	return cs
}

// resolve returns the request with an absolute URL, resolved against the
// scope when the client sent a relative one.
func (w *Worker) resolve(r *http.Request) *http.Request {
	if r.URL.IsAbs() {
		return r
	}
	req := r.Clone(r.Context())
	req.URL = w.scope.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	return req
}

func (w *Worker) passthrough(rw http.ResponseWriter, r, req *http.Request, cs cachestatus.CacheStatus) {
	res, err := w.fetcher.Fetch(r.Context(), req)
	if err != nil {
		w.getLogger(r).Debug().Err(err).Str("url", req.URL.String()).Msg("Passthrough request failed")
		w.sendError(rw, r, http.StatusBadGateway, cs)
		return
	}
	w.send(rw, r, res, cs)
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Set(cachestatus.HeaderName, cs.String())
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.getLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
	w.logRequest(r, cs)
	w.getLogger(r).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (w *Worker) sendError(rw http.ResponseWriter, r *http.Request, status int, cs cachestatus.CacheStatus) {
	rw.Header().Set(cachestatus.HeaderName, cs.String())
	http.Error(rw, http.StatusText(status), status)
	w.logRequest(r, cs)
}

func (w *Worker) logRequest(r *http.Request, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	w.getLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("detail", cs.Detail).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// getLogger prefers the request scoped logger installed by the hlog
// middleware, so that log lines carry the request id.
func (w *Worker) getLogger(r *http.Request) *zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		logger := l.With().
			Str("static", w.versions.Static()).
			Str("dynamic", w.versions.Dynamic()).
			Logger()
		return &logger
	}
	return &w.log
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
