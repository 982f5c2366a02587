// Package classify decides how an intercepted request is served.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the outcome of classifying a request.
type Class int

const (
	// Default requests are served network-first from the dynamic cache.
	Default Class = iota
	// PrecacheAsset requests target the app shell in the static cache.
	PrecacheAsset
	// ExternalLibrary requests go to an allow-listed third-party host.
	ExternalLibrary
	// RangeOrDataRequest requests carry a byte range or an inline-data URL.
	RangeOrDataRequest
	// Navigation requests load a top-level page.
	Navigation
	// Passthrough requests use a method the cache never stores.
	Passthrough
)

var classNames = map[Class]string{
	Default:            "default",
	PrecacheAsset:      "precache-asset",
	ExternalLibrary:    "external-library",
	RangeOrDataRequest: "range-or-data",
	Navigation:         "navigation",
	Passthrough:        "passthrough",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// Options tune the classification rules.
type Options struct {
	// Schemes served natively by the client, never intercepted.
	// Defaults to data and blob.
	InlineSchemes []string
}

// Classifier maps requests to a Class. It is immutable and safe for
// concurrent use.
type Classifier struct {
	manifest      map[string]struct{}
	externalHosts map[string]struct{}
	inlineSchemes map[string]struct{}
}

// New creates a classifier for the given precache manifest and external host
// allow-list. Manifest entries are matched by their final path segment, so
// `./index.html`, `/index.html` and `index.html` are equivalent.
func New(manifest []string, externalHosts []string, opts Options) Classifier {
	c := Classifier{
		manifest:      make(map[string]struct{}),
		externalHosts: make(map[string]struct{}),
		inlineSchemes: make(map[string]struct{}),
	}
	for _, entry := range manifest {
		if segment := lastSegment(entry); segment != "" {
			c.manifest[segment] = struct{}{}
		}
	}
	for _, host := range externalHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			c.externalHosts[host] = struct{}{}
		}
	}
	schemes := opts.InlineSchemes
	if len(schemes) == 0 {
		schemes = []string{"data", "blob"}
	}
	for _, scheme := range schemes {
		c.inlineSchemes[strings.ToLower(scheme)] = struct{}{}
	}
	return c
}

// Classify returns the class of the request. The first matching rule wins:
// inline-data scheme, byte range, method, navigation, external host,
// precache asset, default.
func (c Classifier) Classify(r *http.Request) Class {
	if _, ok := c.inlineSchemes[strings.ToLower(r.URL.Scheme)]; ok {
		return RangeOrDataRequest
	}
	if r.Header.Get("Range") != "" {
		return RangeOrDataRequest
	}
	if r.Method != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Passthrough
	}
	if IsNavigation(r) {
		return Navigation
	}
	if _, ok := c.externalHosts[hostname(r)]; ok {
		return ExternalLibrary
	}
	if strings.HasSuffix(r.URL.Path, "/") || r.URL.Path == "" {
		return PrecacheAsset
	}
	if _, ok := c.manifest[lastSegment(r.URL.Path)]; ok {
		return PrecacheAsset
	}
	return Default
}

// IsNavigation reports whether r loads a top-level page. Browsers mark these
// with `Sec-Fetch-Mode: navigate`; clients without fetch metadata are
// recognized by an Accept header asking for HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// IsRange reports whether r asks for a part of a resource.
func IsRange(r *http.Request) bool {
	return r.Header.Get("Range") != ""
}

func hostname(r *http.Request) string {
	host := r.URL.Hostname()
	if host == "" {
		u := url.URL{Host: r.Host}
		host = u.Hostname()
	}
	return strings.ToLower(host)
}

func lastSegment(p string) string {
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	if p == "" || strings.HasSuffix(p, "/") || p == "." {
		return ""
	}
	return path.Base(p)
}
