package alwaysoffline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/always-offline/cache"
	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	cachestatus "github.com/always-cache/always-offline/pkg/cache-status"
	classifier "github.com/always-cache/always-offline/pkg/request-classifier"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	Options Options
	// Storage for the cache partitions, shared by all worker versions.
	Storage cache.Storage
	// Network used for every request the worker does not answer from cache.
	Network Network
	// Public URL of the site. Relative request URLs are resolved against it.
	Scope url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Worker intercepts requests for a scope and answers them from the network
// or its cache partitions.
// A worker is bound to one version of the options; deploying new options
// means registering a new worker.
type Worker struct {
	id       uuid.UUID
	options  Options
	storage  cache.Storage
	network  Network
	keyer    cachekey.CacheKeyer
	rules    classifier.Rules
	rootKey  string
	log      zerolog.Logger
	lifetime *ExtendableEvent
	clients  *Clients

	mu            sync.Mutex
	state         State
	skipWaiting   bool
	onSkipWaiting func(*Worker)
}

// CreateWorker validates the config and compiles the classification rules.
// The worker does nothing until it is installed and activated.
func CreateWorker(config Config) (*Worker, error) {
	options := config.Options
	options.SetDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("Worker needs a cache storage")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("Worker needs a network")
	}

	scope := config.Scope
	keyer := cachekey.NewCacheKeyer(&scope)
	rootKey, err := keyer.KeyForURL("/")
	if err != nil {
		return nil, err
	}
	hasRoot := false
	for _, u := range options.Precache {
		key, err := keyer.KeyForURL(u)
		if err != nil {
			return nil, fmt.Errorf("Invalid precache URL %q: %w", u, err)
		}
		if key == rootKey {
			hasRoot = true
		}
	}
	if !hasRoot {
		return nil, ErrMissingRoot
	}

	id := uuid.New()
	logger := defaultLogger(config.Logger).With().
		Str("worker", id.String()).
		Str("version", options.Version).
		Logger()

	return &Worker{
		id:       id,
		options:  options,
		storage:  config.Storage,
		network:  config.Network,
		keyer:    keyer,
		rules:    classifier.Compile(options.Patterns),
		rootKey:  rootKey,
		log:      logger,
		lifetime: NewExtendableEvent(context.Background()),
		state:    StateParsed,
	}, nil
}

func defaultLogger(logger *zerolog.Logger) zerolog.Logger {
	// use console logger if not specified in config
	if logger == nil {
		return zerolog.New(zerolog.NewConsoleWriter())
	}
	return *logger
}

func (w *Worker) ID() uuid.UUID {
	return w.id
}

func (w *Worker) Version() string {
	return w.options.Version
}

func (w *Worker) Options() Options {
	return w.options
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	w.log.Debug().Msgf("State %s -> %s", prev, s)
}

// SkipWaiting marks the worker for activation without waiting for the
// previous version to go away.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	hook := w.onSkipWaiting
	w.mu.Unlock()
	if hook != nil {
		hook(w)
	}
}

// SkippedWaiting reports whether SkipWaiting was called.
func (w *Worker) SkippedWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// Close marks the worker redundant and waits for its background work.
func (w *Worker) Close() error {
	w.setState(StateRedundant)
	return w.lifetime.Wait()
}

// Settle waits for the background work started so far, e.g. cache fills.
func (w *Worker) Settle() error {
	return w.lifetime.Wait()
}

// HandleFetch is the fetch event. If the request is not intercepted,
// the returned bool is false and the caller does its own networking.
// An error on an intercepted request means no response could be produced.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	if w.State() != StateActivated {
		return nil, false, nil
	}

	abs := w.keyer.Resolve(r.URL)
	rule := w.rules.Find(classifier.Request{
		URL:         abs,
		Destination: classifier.ParseDestination(r.Header.Get("Sec-Fetch-Dest")),
		SameOrigin:  w.keyer.SameOrigin(abs),
	})
	if rule.Strategy == classifier.Bypass {
		w.log.Trace().Str("url", abs.String()).Str("rule", rule.Name).Msg("Not intercepting")
		return nil, false, nil
	}
	w.log.Trace().Str("url", abs.String()).Str("rule", rule.Name).Msgf("Rule matched, strategy %s", rule.Strategy)

	fe := w.newFetchEvent(ctx, r, abs)
	var res *http.Response
	var err error
	switch rule.Strategy {
	case classifier.CacheFirst:
		res, err = w.cacheFirst(ctx, fe)
	case classifier.NetworkFirst:
		res, err = w.networkFirst(ctx, fe)
	default:
		res, err = w.passthrough(ctx, fe)
	}
	if err != nil {
		fe.log.Warn().Err(err).Msg("No response")
		return nil, true, err
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(cachestatus.HeaderName, fe.status.String())
	fe.log.Debug().
		Int("status", res.StatusCode).
		Str("cacheStatus", fe.status.String()).
		Msg("Responding")
	return res, true, nil
}

type fetchEvent struct {
	// request sent to the network, with absolute URL
	request *http.Request
	// empty if the request cannot be cached
	key         string
	destination classifier.Destination
	status      cachestatus.CacheStatus
	log         zerolog.Logger
}

func (w *Worker) newFetchEvent(ctx context.Context, r *http.Request, abs *url.URL) *fetchEvent {
	out := r.Clone(ctx)
	out.URL = abs
	out.Host = abs.Host
	out.RequestURI = ""
	key, err := w.keyer.GetKey(out)
	if err != nil {
		key = ""
	}
	return &fetchEvent{
		request:     out,
		key:         key,
		destination: classifier.ParseDestination(r.Header.Get("Sec-Fetch-Dest")),
		log: w.log.With().
			Str("method", r.Method).
			Str("url", abs.String()).
			Logger(),
	}
}
