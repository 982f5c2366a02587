package cachekey

import (
	"net/http"
	"strings"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	keygen := NewCacheKeyer()
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?x=1", nil)
	key := keygen.Key(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestKeyNormalization(t *testing.T) {
	keygen := NewCacheKeyer()
	a, _ := http.NewRequest("GET", "HTTPS://Example.com#top", nil)
	b, _ := http.NewRequest("GET", "https://example.com/", nil)
	head, _ := http.NewRequest("HEAD", "https://example.com/", nil)
	if keygen.Key(a) != keygen.Key(b) {
		t.Fatalf("Keys differ: %q vs %q", keygen.Key(a), keygen.Key(b))
	}
	if keygen.Key(head) != keygen.Key(b) {
		t.Fatalf("HEAD key %q differs from GET key %q", keygen.Key(head), keygen.Key(b))
	}
}

func TestVaryHeadersInKey(t *testing.T) {
	keygen := NewCacheKeyer("Accept-Language")
	r, _ := http.NewRequest("GET", "https://example.com/", nil)
	r.Header.Set("Accept-Language", "fi")
	key := keygen.Key(r)
	if !strings.Contains(key, "accept-language: fi") {
		t.Fatalf("Key %q does not include header", key)
	}
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if lang := req.Header.Get("Accept-Language"); lang != "fi" {
		t.Fatalf("Header from key is %q", lang)
	}
}

func TestPostKeyNotRecreated(t *testing.T) {
	keygen := NewCacheKeyer()
	r, _ := http.NewRequest("POST", "https://example.com/form", nil)
	if _, err := keygen.GetRequestFromKey(keygen.Key(r)); err != ErrorMethodNotSupported {
		t.Fatalf("Expected ErrorMethodNotSupported, got %v", err)
	}
}
