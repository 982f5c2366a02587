package offlinecache

import (
	"context"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// RefreshResult reports a refresh of the dynamic cache.
type RefreshResult struct {
	Updated int
	Skipped int
	Failed  int
}

// Refresh revalidates every entry of the dynamic cache against the network.
// Entries are only overwritten by successful responses; failures leave the
// stored response in place.
func (w *Worker) Refresh(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult
	if state := w.State(); state != Active {
		return result, invalidState("refresh", state)
	}
	dynamic := w.versions.Dynamic()
	exists, err := w.storage.Has(ctx, dynamic)
	if err != nil || !exists {
		return result, err
	}
	c, err := w.storage.Open(ctx, dynamic)
	if err != nil {
		return result, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return result, err
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		w.updateEntry(ctx, key, &result)
	}
	w.log.Debug().
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("Refreshed dynamic cache")
	return result, nil
}

// updateEntry revalidates the stored response identified by the given key.
func (w *Worker) updateEntry(ctx context.Context, key string, result *RefreshResult) {
	req, err := w.keyer.GetRequestFromKey(key)
	if err == cachekey.ErrorMethodNotSupported {
		result.Skipped++
		return
	} else if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not get request from key")
		result.Failed++
		return
	}
	req = req.WithContext(ctx)
	w.log.Trace().Str("key", key).Str("req.path", req.URL.Path).Msg("Updating cache")
	stored, err := w.engine.Revalidate(ctx, req, w.versions.Dynamic())
	switch {
	case err != nil:
		w.log.Debug().Err(err).Str("key", key).Msg("Could not update cache entry")
		result.Failed++
	case stored:
		result.Updated++
	default:
		result.Skipped++
	}
}

// refreshLoop refreshes the dynamic cache every refreshEvery until ctx is
// cancelled.
func (w *Worker) refreshLoop(ctx context.Context) {
	w.log.Info().Msgf("Starting cache refresh loop with interval %s", w.refreshEvery)
	ticker := time.NewTicker(w.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Could not refresh dynamic cache")
			}
		}
	}
}
