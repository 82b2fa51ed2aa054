package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// Keyer creates canonical cache keys for requests.
// A key is the request method followed by the normalized URL,
// e.g. `GET:/api/products?category=elektrika&page=2`.
type Keyer struct {
	// Base URL that relative URLs are resolved against before keying.
	// When nil, relative URLs are keyed as-is (origin-relative).
	Base *url.URL
}

func NewKeyer(base *url.URL) Keyer {
	return Keyer{Base: base}
}

// Key returns the canonical key for the given method and URL.
// Two URLs differing only in query parameter order, host case,
// default port or fragment produce the same key.
func (k Keyer) Key(method, rawURL string) (string, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return "", ErrorMethodNotSupported
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return method + methodSeparator + k.normalize(u), nil
}

// MustKey is like Key for GET requests, but panics on malformed URLs.
// It is meant for static keys in setup code and tests.
func (k Keyer) MustKey(rawURL string) string {
	key, err := k.Key(http.MethodGet, rawURL)
	if err != nil {
		panic(err)
	}
	return key
}

// KeyForRequest returns the canonical key for an incoming request.
func (k Keyer) KeyForRequest(r *http.Request) (string, error) {
	return k.Key(r.Method, r.URL.String())
}

// RequestFromKey creates a request equal (caching-wise) to the request
// that produced the given key.
func (k Keyer) RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet && method != http.MethodHead {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// URLFromKey returns the URL part of a key.
func URLFromKey(key string) string {
	_, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return key
	}
	return uri
}

func (k Keyer) normalize(u *url.URL) string {
	if k.Base != nil && !u.IsAbs() {
		u = k.Base.ResolveReference(u)
	}
	var b strings.Builder
	if u.IsAbs() {
		b.WriteString(strings.ToLower(u.Scheme))
		b.WriteString("://")
		b.WriteString(normalizeHost(u))
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	} else {
		// keep a trailing slash, it is significant for most routers
		trailing := strings.HasSuffix(p, "/") && p != "/"
		p = path.Clean(p)
		if trailing {
			p += "/"
		}
	}
	b.WriteString(p)
	if q := sortedQuery(u.Query()); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}
	return b.String()
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// sortedQuery encodes the query with parameter names sorted.
// The order of repeated values of one parameter is kept.
func sortedQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		for _, value := range q[name] {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(value))
		}
	}
	return strings.Join(parts, "&")
}
