package alwaysoffline

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type RegistrationConfig struct {
	// Network used for requests no worker intercepts.
	Network Network
	// Path prefix of the control endpoints.
	ControlPrefix string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Registration hosts the workers of one scope.
// At most one worker is active and answers requests; a newly installed
// worker either replaces it right away or waits for SKIP_WAITING.
type Registration struct {
	network       Network
	controlPrefix string
	clients       *Clients
	log           zerolog.Logger

	// serializes activations
	activating sync.Mutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
}

func NewRegistration(config RegistrationConfig) *Registration {
	prefix := config.ControlPrefix
	if prefix == "" {
		prefix = DefaultControlPrefix
	}
	return &Registration{
		network:       config.Network,
		controlPrefix: prefix,
		clients:       NewClients(),
		log:           defaultLogger(config.Logger),
	}
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Clients() *Clients {
	return r.clients
}

// Register installs the worker and activates it, or parks it as waiting if
// another worker is active and the new one did not skip waiting.
// An install error is returned as is; the host decides whether to retry.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	w.mu.Lock()
	w.clients = r.clients
	w.onSkipWaiting = r.onSkipWaiting
	w.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.active != nil && !w.SkippedWaiting() {
		prev := r.waiting
		r.waiting = w
		r.mu.Unlock()
		r.log.Info().Str("version", w.Version()).Msg("Worker installed, waiting")
		if prev != nil {
			r.retire(prev)
		}
		return nil
	}
	r.mu.Unlock()
	return r.activate(ctx, w)
}

// activate retires the current worker and activates w in its place.
// The old worker's pending cache writes finish before old caches are deleted.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	r.activating.Lock()
	defer r.activating.Unlock()

	r.mu.Lock()
	prev := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if prev != nil && prev != w {
		r.retire(prev)
	}
	return w.Activate(ctx)
}

func (r *Registration) retire(w *Worker) {
	r.log.Info().Str("version", w.Version()).Msg("Worker redundant")
	if err := w.Close(); err != nil {
		r.log.Warn().Err(err).Str("version", w.Version()).Msg("Background work failed")
	}
}

// onSkipWaiting promotes the worker if it is the waiting one.
func (r *Registration) onSkipWaiting(w *Worker) {
	r.mu.Lock()
	waiting := r.waiting == w
	r.mu.Unlock()
	if !waiting {
		return
	}
	if err := r.activate(context.Background(), w); err != nil {
		r.log.Error().Err(err).Msg("Could not activate waiting worker")
	}
}

// PostMessage delivers a message to a worker. SKIP_WAITING goes to the
// waiting worker if there is one, everything else to the active worker.
func (r *Registration) PostMessage(ctx context.Context, msg Message, ports ...MessagePort) error {
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.mu.Unlock()

	target := active
	if msg.Type == MessageSkipWaiting && waiting != nil {
		target = waiting
	}
	if target == nil {
		target = waiting
	}
	if target == nil {
		return ErrNotActivated
	}
	target.HandleMessage(ctx, msg, ports...)
	return nil
}

// PeriodicSync fires a periodic sync event on the active worker.
func (r *Registration) PeriodicSync(ctx context.Context, tag string) error {
	w := r.Active()
	if w == nil {
		return ErrNotActivated
	}
	w.PeriodicSync(ctx, tag)
	return nil
}

// SchedulePeriodicSync fires the tag at every interval until ctx is done.
func (r *Registration) SchedulePeriodicSync(ctx context.Context, tag string, interval time.Duration) {
	r.log.Info().Msgf("Starting periodic sync %q every %s", tag, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.PeriodicSync(ctx, tag); err != nil {
				r.log.Warn().Err(err).Str("tag", tag).Msg("Periodic sync skipped")
			}
		}
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Registration) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	defer r.recover(rw, req)
	if w := r.Active(); w != nil {
		res, intercepted, err := w.HandleFetch(req.Context(), req)
		if intercepted {
			if err != nil {
				http.Error(rw, "Could not fetch resource", http.StatusBadGateway)
				return
			}
			r.send(rw, res)
			return
		}
	}
	r.passthrough(rw, req)
}

// recover recovers from panics and sends the request to the network directly.
func (r *Registration) recover(rw http.ResponseWriter, req *http.Request) {
	if err := recover(); err != nil {
		r.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		r.passthrough(rw, req)
	}
}

// passthrough is the default networking for requests no worker handles.
func (r *Registration) passthrough(rw http.ResponseWriter, req *http.Request) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	res, err := r.network.Fetch(req.Context(), out)
	if err != nil {
		r.log.Error().Err(err).Str("url", req.URL.String()).Msg("Error connecting to network")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	r.send(rw, res)
}

func (r *Registration) send(rw http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
	}
	r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
