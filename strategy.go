package alwaysoffline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	cachestatus "github.com/always-cache/always-offline/pkg/cache-status"
	classifier "github.com/always-cache/always-offline/pkg/request-classifier"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
)

// OfflineNotice is the body of the response synthesized when neither the
// network nor the cache can answer.
const OfflineNotice = "Content unavailable offline"

// cacheFirst answers from the static cache and fills it from the network on a miss.
func (w *Worker) cacheFirst(ctx context.Context, fe *fetchEvent) (*http.Response, error) {
	if fe.key == "" {
		fe.status.Forward(cachestatus.FwdMethod)
	} else if res := w.matchIn(ctx, w.options.StaticCache, fe.key, fe); res != nil {
		fe.status.Hit()
		return res, nil
	} else {
		fe.status.Forward(cachestatus.FwdUriMiss)
	}

	res, err := w.network.Fetch(ctx, fe.request)
	if err != nil {
		fe.log.Warn().Err(err).Msg("Network failed")
		if fe.destination != classifier.DestDocument {
			return nil, err
		}
		root := w.matchRoot(ctx, fe)
		if root == nil {
			return nil, fmt.Errorf("%w: %w", ErrNoRootDocument, err)
		}
		return root, nil
	}
	w.store(fe, w.options.StaticCache, res)
	return res, nil
}

// networkFirst asks the network and falls back to any cache partition,
// then the root document, then the offline notice.
func (w *Worker) networkFirst(ctx context.Context, fe *fetchEvent) (*http.Response, error) {
	fe.status.Forward(cachestatus.FwdRequest)
	res, err := w.network.Fetch(ctx, fe.request)
	if err == nil {
		w.store(fe, w.options.DynamicCache, res)
		return res, nil
	}
	fe.log.Warn().Err(err).Msg("Network failed, trying cache")

	if fe.key != "" {
		if res := w.match(ctx, fe.key, fe); res != nil {
			fe.status.Hit()
			fe.status.Detail = cachestatus.DetailOfflineFallback
			return res, nil
		}
	}
	if fe.destination == classifier.DestDocument {
		if root := w.matchRoot(ctx, fe); root != nil {
			return root, nil
		}
	}
	fe.status.Detail = cachestatus.DetailOfflineNotice
	return offlineResponse(fe.request), nil
}

// passthrough forwards to the network without touching the cache.
func (w *Worker) passthrough(ctx context.Context, fe *fetchEvent) (*http.Response, error) {
	fe.status.Forward(cachestatus.FwdBypass)
	return w.network.Fetch(ctx, fe.request)
}

// matchIn looks up the key in a single partition.
// Cache errors are logged and count as a miss.
func (w *Worker) matchIn(ctx context.Context, name, key string, fe *fetchEvent) *http.Response {
	b, found, err := w.storage.MatchIn(ctx, name, key)
	if err != nil {
		fe.log.Error().Err(err).Str("cache", name).Msg("Could not read from cache")
		return nil
	}
	if !found {
		fe.log.Trace().Str("cache", name).Str("key", key).Msg("Cache miss")
		return nil
	}
	return w.restore(b, fe)
}

// match looks up the key in all partitions.
func (w *Worker) match(ctx context.Context, key string, fe *fetchEvent) *http.Response {
	b, found, err := w.storage.Match(ctx, key)
	if err != nil {
		fe.log.Error().Err(err).Msg("Could not read from cache")
		return nil
	}
	if !found {
		fe.log.Trace().Str("key", key).Msg("Cache miss")
		return nil
	}
	return w.restore(b, fe)
}

func (w *Worker) matchRoot(ctx context.Context, fe *fetchEvent) *http.Response {
	res := w.match(ctx, w.rootKey, fe)
	if res == nil {
		fe.log.Error().Msg("Root document not cached")
		return nil
	}
	fe.status.Hit()
	fe.status.Detail = cachestatus.DetailRootFallback
	return res
}

func (w *Worker) restore(b []byte, fe *fetchEvent) *http.Response {
	res, err := serializer.Restore(b)
	if err != nil {
		fe.log.Error().Err(err).Msg("Could not restore cached response")
		return nil
	}
	return res
}

// store snapshots the response and writes it to the partition in the background.
// The response itself stays readable for the caller.
func (w *Worker) store(fe *fetchEvent, name string, res *http.Response) {
	if fe.key == "" {
		return
	}
	b, err := serializer.Snapshot(res)
	if err != nil {
		fe.log.Error().Err(err).Msg("Could not snapshot response")
		return
	}
	fe.status.Stored = true
	key := fe.key
	log := fe.log
	w.lifetime.WaitUntil(func(ctx context.Context) error {
		// Close marks the worker redundant before waiting for this work, and the
		// next worker deletes stale partitions only after that wait
		if w.State() == StateRedundant {
			log.Debug().Str("cache", name).Msg("Worker is redundant, not storing response")
			return nil
		}
		partition, err := w.storage.Open(ctx, name)
		if err != nil {
			log.Error().Err(err).Str("cache", name).Msg("Could not open cache")
			return nil
		}
		if err := partition.Put(ctx, key, b); err != nil {
			log.Error().Err(err).Str("cache", name).Msg("Could not write to cache")
			return nil
		}
		log.Trace().Str("cache", name).Msgf("Stored response (%d bytes)", len(b))
		return nil
	})
}

func offlineResponse(req *http.Request) *http.Response {
	body := []byte(OfflineNotice)
	return &http.Response{
		Status:     strconv.Itoa(http.StatusServiceUnavailable) + " " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {"text/plain"},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
