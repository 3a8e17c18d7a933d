package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openpad/pad-collab-service/internal/adapter/cache"
	"github.com/openpad/pad-collab-service/internal/adapter/store"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// PadResolver reads pad records cache-first with a store fallback, filling
// the cache on a miss so the next reader is hot. It never writes scene data
// after the initial fill; that is the canvas worker's job.
type PadResolver struct {
	cache *cache.PadCache
	store store.PadStore
	log   *slog.Logger
}

func NewPadResolver(padCache *cache.PadCache, padStore store.PadStore, log *slog.Logger) *PadResolver {
	return &PadResolver{cache: padCache, store: padStore, log: log}
}

// Resolve returns the pad record, store.ErrNotFound when it does not exist.
func (r *PadResolver) Resolve(ctx context.Context, padID uuid.UUID) (*model.Pad, error) {
	pad, err := r.cache.Get(ctx, padID)
	if err == nil {
		return pad, nil
	}
	if !errors.Is(err, cache.ErrNotCached) {
		r.log.Warn("pad cache read failed, falling back to store", "pad_id", padID, "error", err)
	}

	pad, err = r.store.Load(ctx, padID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve pad %s: %w", padID, err)
	}

	if err := r.cache.Put(ctx, pad); err != nil {
		// Cache fill is best effort; the record itself is good.
		r.log.Warn("pad cache fill failed", "pad_id", padID, "error", err)
	}
	return pad, nil
}
