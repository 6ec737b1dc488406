package alwaysoffline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PeriodicSync is the periodic sync event.
// The cleanup tag trims the dynamic cache to its maximum size, other tags are ignored.
func (w *Worker) PeriodicSync(ctx context.Context, tag string) {
	if tag != w.options.CleanupTag {
		w.log.Trace().Str("tag", tag).Msg("Ignoring periodic sync")
		return
	}
	w.trimDynamic(ctx)
}

// trimDynamic deletes the oldest entries of the dynamic cache until at most
// MaxDynamicEntries are left. Deletions are independent of each other.
func (w *Worker) trimDynamic(ctx context.Context) {
	name := w.options.DynamicCache
	partition, err := w.storage.Open(ctx, name)
	if err != nil {
		w.log.Error().Err(err).Str("cache", name).Msg("Could not open cache for cleanup")
		return
	}
	keys, err := partition.Keys(ctx)
	if err != nil {
		w.log.Error().Err(err).Str("cache", name).Msg("Could not list cache keys")
		return
	}
	excess := len(keys) - w.options.MaxDynamicEntries
	if excess <= 0 {
		w.log.Trace().Str("cache", name).Msgf("%d entries, nothing to clean up", len(keys))
		return
	}

	var g errgroup.Group
	for _, key := range keys[:excess] {
		g.Go(func() error {
			if _, err := partition.Delete(ctx, key); err != nil {
				w.log.Warn().Err(err).Str("key", key).Msg("Could not evict entry")
			}
			return nil
		})
	}
	g.Wait()
	w.log.Debug().Str("cache", name).Msgf("Evicted %d oldest entries", excess)
}
