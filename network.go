package alwaysoffline

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	tee "github.com/always-cache/always-offline/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Network performs the actual requests for the worker.
// An error means no response could be obtained at all; HTTP error statuses
// are responses like any other.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// OriginNetwork sends requests within the scope to the origin server.
// Requests for other hosts are forwarded to their own URL unchanged.
type OriginNetwork struct {
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

type OriginConfig struct {
	// Public URL of the site, i.e. the worker scope.
	Scope url.URL
	// URL of the origin server.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	Logger     *zerolog.Logger
}

func NewOriginNetwork(config OriginConfig) *OriginNetwork {
	logger := defaultLogger(config.Logger).With().
		Str("origin", config.OriginURL.String()).
		Logger()

	hostHeader := config.OriginURL.Host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}

	return &OriginNetwork{
		log: logger,
		reverseproxy: httputil.ReverseProxy{
			Director:  createDirector(config.Scope, config.OriginURL, hostHeader),
			Transport: transport,
			ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
				if saver, ok := rw.(*tee.ResponseSaver); ok {
					saver.Fail(err)
					return
				}
				http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
			},
		},
	}
}

// Fetch runs the request through the reverse proxy into a ResponseSaver.
func (n *OriginNetwork) Fetch(ctx context.Context, req *http.Request) (res *http.Response, err error) {
	defer func() {
		// the reverse proxy aborts with a panic if the body copy fails midway
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("Fetch of %s aborted: %v", req.URL, p)
		}
	}()
	n.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Fetching from network")
	rw := tee.NewResponseSaver()
	n.reverseproxy.ServeHTTP(rw, req.WithContext(ctx))
	if err := rw.Err(); err != nil {
		return nil, err
	}
	return rw.Response(req), nil
}

func createDirector(scope, origin url.URL, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.Host == "" || req.URL.Host == scope.Host {
			req.URL.Scheme = origin.Scheme
			req.URL.Host = origin.Host
			req.Host = hostHeader
			return
		}
		req.Host = req.URL.Host
	}
}
