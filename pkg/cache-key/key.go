package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

// CacheKeyer derives request keys for a worker scope.
// A key is the absolute request URL without its fragment.
// Only GET requests have keys, since only GET responses are ever stored.
type CacheKeyer struct {
	// Absolute URL that relative request URLs are resolved against.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// Resolve returns the absolute form of a possibly relative URL.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	var abs url.URL
	if !u.IsAbs() && c.Scope != nil {
		abs = *c.Scope.ResolveReference(u)
	} else {
		abs = *u
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return &abs
}

// GetKey returns the key for the given request.
// It returns ErrorMethodNotSupported for anything but GET.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.Resolve(r.URL).String(), nil
}

// KeyForURL returns the key for a GET of the given (possibly relative) URL.
func (c CacheKeyer) KeyForURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return c.Resolve(u).String(), nil
}

// GetRequestFromKey generates the GET request that results in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("Key is not an absolute URL: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}

// SameOrigin reports whether the URL shares scheme and host with the scope.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if c.Scope == nil {
		return !u.IsAbs()
	}
	abs := c.Resolve(u)
	return abs.Scheme == c.Scope.Scheme && abs.Host == c.Scope.Host
}
