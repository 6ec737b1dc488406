package alwaysoffline

import (
	"context"
	"fmt"

	"github.com/always-cache/always-offline/cache"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// Install opens the static cache and stores every precache URL in it.
// Either all URLs are stored or none are; on failure the worker is redundant
// and the host may retry with a new worker.
// A successful install skips waiting unless WaitForSkip is set.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info().Msg("Installing")

	partition, err := w.storage.Open(ctx, w.options.StaticCache)
	if err == nil {
		w.log.Info().Str("cache", w.options.StaticCache).Msgf("Caching %d static assets", len(w.options.Precache))
		err = w.addAll(ctx, partition, w.options.Precache)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Installation failed")
		w.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	w.log.Info().Msg("Installed successfully")
	if !w.options.WaitForSkip {
		w.SkipWaiting()
	}
	return nil
}

// Activate deletes every cache partition that does not belong to this
// worker version and then claims all clients.
// Failing deletions are logged and do not stop activation.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	w.log.Info().Msg("Activating")

	names, err := w.storage.Names(ctx)
	if err != nil {
		// nothing can be cleaned up, but the worker still works
		w.log.Error().Err(err).Msg("Could not list caches")
	}

	var g errgroup.Group
	for _, name := range names {
		if name == w.options.StaticCache || name == w.options.DynamicCache {
			continue
		}
		g.Go(func() error {
			w.log.Info().Str("cache", name).Msg("Deleting old cache")
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.log.Error().Err(err).Str("cache", name).Msg("Could not delete old cache")
			}
			return nil
		})
	}
	g.Wait()

	w.setState(StateActivated)
	w.log.Info().Msg("Activated successfully")
	w.Claim()
	return nil
}

// Claim makes this worker the controller of all registered clients.
func (w *Worker) Claim() int {
	w.mu.Lock()
	clients := w.clients
	w.mu.Unlock()
	if clients == nil {
		return 0
	}
	n := clients.Claim(w.options.Version)
	w.log.Debug().Msgf("Claimed %d clients", n)
	return n
}

// addAll fetches all URLs concurrently and stores them with a single
// PutAll. The first failure cancels the remaining fetches and nothing is stored.
func (w *Worker) addAll(ctx context.Context, partition cache.Partition, urls []string) error {
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := w.fetchEntry(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := partition.PutAll(ctx, entries); err != nil {
		return perrors.Wrapf(err, perrors.CodeDatabase, "storing %d entries in %s", len(entries), partition.Name())
	}
	return nil
}

func (w *Worker) fetchEntry(ctx context.Context, rawURL string) (cache.Entry, error) {
	key, err := w.keyer.KeyForURL(rawURL)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeInvalidInput, "invalid URL %q", rawURL)
	}
	req, err := w.keyer.GetRequestFromKey(key)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeInvalidInput, "invalid URL %q", rawURL)
	}
	res, err := w.network.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeNetwork, "fetching %s", key)
	}
	if res.Body != nil {
		defer res.Body.Close()
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return cache.Entry{}, perrors.WithContext(
			perrors.Newf(perrors.CodeNetwork, "bad response for %s: %s", key, res.Status),
			"status", res.StatusCode,
		)
	}
	b, err := serializer.Snapshot(res)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeNetwork, "reading %s", key)
	}
	w.log.Trace().Str("key", key).Msg("Fetched for bulk add")
	return cache.Entry{Key: key, Bytes: b}, nil
}
