// Package fetch provides the network primitive the strategies consult.
package fetch

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	recorder "github.com/always-cache/offline-cache/pkg/response-recorder"
)

// Fetcher performs a network request. An error means the transport failed;
// any HTTP status, including 4xx and 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// IsNetworkUnavailable reports whether err is a transport level failure.
func IsNetworkUnavailable(err error) bool {
	return errors.GetCode(err) == errors.CodeNetwork
}

func networkError(err error, req *http.Request) error {
	return errors.WithContext(
		errors.Wrap(err, errors.CodeNetwork, "network unavailable"),
		"url", req.URL.String())
}

type ClientConfig struct {
	// URL of the origin server. Requests with a relative URL are sent here.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Timeout for a single network call. Zero means no timeout.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// ClientFetcher fetches over HTTP with a http.Client.
type ClientFetcher struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
	log        zerolog.Logger
}

func NewClientFetcher(config ClientConfig) *ClientFetcher {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	f := &ClientFetcher{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		log:        logger,
		httpClient: http.Client{
			Timeout: config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if f.originHost != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: f.originHost,
			},
		}
	}
	return f
}

// Fetch sends the request to the network. Relative URLs are resolved against
// the origin URL.
func (f *ClientFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := r.URL
	toOrigin := !r.URL.IsAbs() || r.URL.Host == f.originURL.Host
	if !r.URL.IsAbs() {
		uri = f.originURL.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri.String(), body)
	if err != nil {
		f.log.Error().Err(err).Str("uri", uri.String()).Msg("Could not create request for fetching")
		return nil, networkError(err, r)
	}
	if toOrigin && f.originHost != "" {
		req.Host = f.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	f.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Fetching from network")

	res, err := f.httpClient.Do(req)
	if err != nil {
		f.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network request failed")
		return nil, networkError(err, r)
	}
	// the response belongs to the caller's request, not the rewritten one
	res.Request = r
	return res, nil
}

// HandlerFetcher serves requests from an in-process http.Handler, e.g. a
// http.FileServer, instead of the network.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, networkError(err, r)
	}
	req := r.Clone(ctx)
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}
	if req.RequestURI == "" {
		req.RequestURI = req.URL.RequestURI()
	}
	rec := recorder.NewResponseRecorder()
	f.Handler.ServeHTTP(rec, req)
	return rec.Result(r), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
