package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	headerSeparator = "\n"
)

// CacheKeyer turns requests into cache keys.
// A key is the request method and the normalized absolute URL, optionally
// followed by the values of selected request headers.
type CacheKeyer struct {
	// Request headers that take part in the key, lower-cased and sorted.
	varyHeaders []string
}

func NewCacheKeyer(varyHeaders ...string) CacheKeyer {
	names := make([]string, 0, len(varyHeaders))
	for _, name := range varyHeaders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return CacheKeyer{varyHeaders: names}
}

// Key returns the cache key for a request.
// HEAD requests share the key of the corresponding GET.
func (c CacheKeyer) Key(r *http.Request) string {
	method := r.Method
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	key := method + methodSeparator + NormalizeURL(r.URL) + varySeparator
	for _, name := range c.varyHeaders {
		if value := r.Header.Get(name); value != "" {
			key += headerSeparator + name + ": " + value
		}
	}
	return key
}

// NormalizeURL returns the URL as used in keys: fragment and user info are
// dropped, scheme and host are lower-cased and an empty path becomes "/".
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" && n.Opaque == "" && n.Host != "" {
		n.Path = "/"
	}
	return n.String()
}

// GetRequestFromKey generates a caching-wise equal request to the request that resulted in the
// provided key. This means it takes the keyed headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the keyed headers included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, headerSeparator)
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		if len(entry) == 2 {
			header.Add(entry[0], entry[1])
		}
	}
	return header
}
