// Package cache is the write-through hot store for pad records, one Redis
// hash per pad. Between periodic database flushes the hash is the live
// source of truth for scene state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// ErrNotCached is returned by Get when no entry exists for the pad.
var ErrNotCached = errors.New("pad not cached")

// acquireScript claims the worker slot iff it is empty or already ours.
var acquireScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "worker_id")
if (not cur) or cur == "" or cur == ARGV[1] then
  redis.call("HSET", KEYS[1], "worker_id", ARGV[1])
  return 1
end
return 0
`)

// releaseScript clears the worker slot iff we still own it. Another worker's
// claim is never force-cleared.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "worker_id") == ARGV[1] then
  redis.call("HDEL", KEYS[1], "worker_id")
  return 1
end
return 0
`)

type PadCache struct {
	rdb    *redis.Client
	log    *slog.Logger
	expiry time.Duration
}

func New(rdb *redis.Client, cfg *config.Config, log *slog.Logger) *PadCache {
	return &PadCache{rdb: rdb, log: log, expiry: cfg.Cache.Expiry}
}

func padKey(padID uuid.UUID) string { return "pad:" + padID.String() }

// Get returns the cached pad record, ErrNotCached when absent.
func (c *PadCache) Get(ctx context.Context, padID uuid.UUID) (*model.Pad, error) {
	values, err := c.rdb.HGetAll(ctx, padKey(padID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pad cache: get %s: %w", padID, err)
	}
	if len(values) == 0 {
		return nil, ErrNotCached
	}
	return decodePad(values)
}

// Put writes the full record and renews the TTL.
func (c *PadCache) Put(ctx context.Context, pad *model.Pad) error {
	fields, err := encodePad(pad)
	if err != nil {
		return err
	}

	key := padKey(pad.ID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pad cache: put %s: %w", pad.ID, err)
	}
	return nil
}

// GetScene reads only the scene region. A missing entry or field yields an
// empty scene rather than an error; the reconciler starts from nothing, as
// the original data may still be durable in the store.
func (c *PadCache) GetScene(ctx context.Context, padID uuid.UUID) (model.Scene, error) {
	raw, err := c.rdb.HGet(ctx, padKey(padID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.NewScene(), nil
		}
		return model.Scene{}, fmt.Errorf("pad cache: get scene %s: %w", padID, err)
	}

	scene := model.NewScene()
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &scene); err != nil {
			return model.Scene{}, fmt.Errorf("pad cache: corrupt data field %s: %w", padID, err)
		}
		scene.Normalize()
	}
	return scene, nil
}

// SetScene patches only the scene region and the updated_at timestamp. The
// hash is field-atomic; the canvas worker is the only scene writer, so no
// lock is needed on top. The TTL renews so an actively reconciled pad never
// expires out from under its worker.
func (c *PadCache) SetScene(ctx context.Context, padID uuid.UUID, scene model.Scene) error {
	data, err := json.Marshal(scene)
	if err != nil {
		return fmt.Errorf("pad cache: marshal scene %s: %w", padID, err)
	}

	key := padKey(padID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "data", string(data), "updated_at", model.Timestamp(time.Now()))
	pipe.Expire(ctx, key, c.expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pad cache: set scene %s: %w", padID, err)
	}
	return nil
}

// Touch renews the TTL without touching fields.
func (c *PadCache) Touch(ctx context.Context, padID uuid.UUID) error {
	if err := c.rdb.Expire(ctx, padKey(padID), c.expiry).Err(); err != nil {
		return fmt.Errorf("pad cache: touch %s: %w", padID, err)
	}
	return nil
}

// Invalidate drops the entry.
func (c *PadCache) Invalidate(ctx context.Context, padID uuid.UUID) error {
	if err := c.rdb.Del(ctx, padKey(padID)).Err(); err != nil {
		return fmt.Errorf("pad cache: invalidate %s: %w", padID, err)
	}
	return nil
}

// AcquireWorker performs a compare-and-set claim of the pad's worker slot.
// Returns false when another live worker holds it.
func (c *PadCache) AcquireWorker(ctx context.Context, padID uuid.UUID, workerID string) (bool, error) {
	res, err := acquireScript.Run(ctx, c.rdb, []string{padKey(padID)}, workerID).Int()
	if err != nil {
		return false, fmt.Errorf("pad cache: acquire worker %s: %w", padID, err)
	}
	return res == 1, nil
}

// ReleaseWorker clears the worker slot iff workerID still owns it.
func (c *PadCache) ReleaseWorker(ctx context.Context, padID uuid.UUID, workerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, c.rdb, []string{padKey(padID)}, workerID).Int()
	if err != nil {
		return false, fmt.Errorf("pad cache: release worker %s: %w", padID, err)
	}
	return res == 1, nil
}

func encodePad(pad *model.Pad) (map[string]any, error) {
	data, err := json.Marshal(pad.Scene)
	if err != nil {
		return nil, fmt.Errorf("pad cache: marshal scene %s: %w", pad.ID, err)
	}
	whitelist, err := json.Marshal(pad.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("pad cache: marshal whitelist %s: %w", pad.ID, err)
	}

	return map[string]any{
		"id":           pad.ID.String(),
		"owner_id":     pad.OwnerID.String(),
		"display_name": pad.DisplayName,
		"sharing":      string(pad.Sharing),
		"whitelist":    string(whitelist),
		"data":         string(data),
		"created_at":   model.Timestamp(pad.CreatedAt),
		"updated_at":   model.Timestamp(pad.UpdatedAt),
		"worker_id":    pad.WorkerID,
	}, nil
}

func decodePad(values map[string]string) (*model.Pad, error) {
	id, err := uuid.Parse(values["id"])
	if err != nil {
		return nil, fmt.Errorf("pad cache: corrupt id field: %w", err)
	}
	ownerID, err := uuid.Parse(values["owner_id"])
	if err != nil {
		return nil, fmt.Errorf("pad cache: corrupt owner_id field: %w", err)
	}

	pad := &model.Pad{
		ID:          id,
		OwnerID:     ownerID,
		DisplayName: values["display_name"],
		Sharing:     model.SharingPolicy(values["sharing"]),
		WorkerID:    values["worker_id"],
		Scene:       model.NewScene(),
	}
	if pad.Sharing == "" {
		pad.Sharing = model.SharingPrivate
	}

	if raw := values["whitelist"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &pad.Whitelist); err != nil {
			return nil, fmt.Errorf("pad cache: corrupt whitelist field: %w", err)
		}
	}
	if raw := values["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &pad.Scene); err != nil {
			return nil, fmt.Errorf("pad cache: corrupt data field: %w", err)
		}
		pad.Scene.Normalize()
	}
	if raw := values["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			pad.CreatedAt = t
		}
	}
	if raw := values["updated_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			pad.UpdatedAt = t
		}
	}
	return pad, nil
}
