package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/adapter/bus"
	"github.com/openpad/pad-collab-service/internal/adapter/cache"
	"github.com/openpad/pad-collab-service/internal/adapter/store"
	"github.com/openpad/pad-collab-service/internal/domain/model"
	"github.com/openpad/pad-collab-service/internal/metrics"
	"github.com/openpad/pad-collab-service/internal/service"
)

type fixture struct {
	worker *CanvasWorker
	bus    *bus.Bus
	cache  *cache.PadCache
	store  *store.Memory
	pad    *model.Pad
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		Worker:   config.Worker{SaveInterval: 50 * time.Millisecond, ShutdownGrace: time.Second},
		Cache:    config.Cache{Expiry: time.Hour},
		Stream:   config.Stream{Expiry: time.Hour, MaxLen: 100},
		Presence: config.Presence{Expiry: time.Hour},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := bus.New(rdb, cfg, log, watermill.NopLogger{})
	t.Cleanup(func() { _ = b.Close() })
	padCache := cache.New(rdb, cfg, log)
	padStore := store.NewMemory()
	resolver := service.NewPadResolver(padCache, padStore, log)
	m := metrics.New(prometheus.NewRegistry())

	pad := &model.Pad{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Sharing: model.SharingPublic,
		Scene:   model.NewScene(),
	}
	require.NoError(t, padStore.Save(context.Background(), pad))

	w := New(b, padCache, padStore, resolver, m, cfg, log)
	t.Cleanup(func() { w.Stop(context.Background()) })

	return &fixture{worker: w, bus: b, cache: padCache, store: padStore, pad: pad}
}

func (f *fixture) appendScene(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, f.bus.Append(context.Background(), &model.Event{
		Type:         model.EventSceneUpdate,
		PadID:        f.pad.ID.String(),
		UserID:       uuid.NewString(),
		ConnectionID: uuid.NewString(),
		Timestamp:    model.Timestamp(time.Now()),
		Data:         []byte(payload),
	}))
}

// waitApplied re-appends the update until the consumer has visibly applied
// it. Re-appending is safe: reconciliation is idempotent for a given
// (version, versionNonce) pair.
func (f *fixture) waitApplied(t *testing.T, payload string, applied func(model.Scene) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.appendScene(t, payload)
		scene, err := f.cache.GetScene(context.Background(), f.pad.ID)
		return err == nil && applied(scene)
	}, 5*time.Second, 50*time.Millisecond)
}

func hasElement(scene model.Scene, id string, version int64) bool {
	for _, e := range scene.Elements {
		if e.ID == id && e.Version == version {
			return true
		}
	}
	return false
}

func TestWorkerAppliesSceneUpdates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.EnsureWorker(context.Background(), f.pad.ID))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":5,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })
}

func TestWorkerResolvesConcurrentEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	// Two clients race on e1 with equal versions; the lower nonce must win
	// no matter which lands first.
	f.waitApplied(t, `{"elements":[{"id":"e1","version":2,"versionNonce":9,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 2) })
	f.waitApplied(t, `{"elements":[{"id":"e1","version":2,"versionNonce":3,"index":"a0"}]}`,
		func(s model.Scene) bool {
			for _, e := range s.Elements {
				if e.ID == "e1" {
					return e.VersionNonce == 3
				}
			}
			return false
		})

	// The losing proposal arriving late is discarded.
	f.appendScene(t, `{"elements":[{"id":"e1","version":2,"versionNonce":9,"index":"a0"}]}`)
	time.Sleep(300 * time.Millisecond)
	scene, err := f.cache.GetScene(ctx, f.pad.ID)
	require.NoError(t, err)
	require.Len(t, scene.Elements, 1)
	assert.EqualValues(t, 3, scene.Elements[0].VersionNonce)
}

func TestWorkerHigherVersionBeatsNonce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.EnsureWorker(context.Background(), f.pad.ID))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })
	f.waitApplied(t, `{"elements":[{"id":"e1","version":2,"versionNonce":999,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 2) })
}

func TestWorkerAppStateIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	appendAppState := func(userID, payload string) {
		require.NoError(t, f.bus.Append(ctx, &model.Event{
			Type:      model.EventAppStateUpdate,
			PadID:     f.pad.ID.String(),
			UserID:    userID,
			Timestamp: model.Timestamp(time.Now()),
			Data:      []byte(`{"appState":` + payload + `}`),
		}))
	}

	require.Eventually(t, func() bool {
		appendAppState("user-a", `{"zoom":2}`)
		appendAppState("user-b", `{"zoom":5}`)
		scene, err := f.cache.GetScene(ctx, f.pad.ID)
		if err != nil {
			return false
		}
		return string(scene.AppState["user-a"]) == `{"zoom":2}` &&
			string(scene.AppState["user-b"]) == `{"zoom":5}`
	}, 5*time.Second, 50*time.Millisecond)

	// One user's later write replaces their slot only.
	require.Eventually(t, func() bool {
		appendAppState("user-a", `{"zoom":9}`)
		scene, err := f.cache.GetScene(ctx, f.pad.ID)
		if err != nil {
			return false
		}
		return string(scene.AppState["user-a"]) == `{"zoom":9}` &&
			string(scene.AppState["user-b"]) == `{"zoom":5}`
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerPeriodicSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })

	require.Eventually(t, func() bool {
		pad, err := f.store.Load(ctx, f.pad.ID)
		return err == nil && hasElement(pad.Scene, "e1", 1)
	}, 5*time.Second, 50*time.Millisecond, "save cycle flushes the cache to the store")
}

func TestWorkerRepairsPartialCacheRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })

	// Wipe the record mid-flight. The next applied update recreates the
	// hash with only the scene fields; the save cycle must rebuild the
	// rest from the store instead of failing on the partial record.
	require.NoError(t, f.cache.Invalidate(ctx, f.pad.ID))
	f.waitApplied(t, `{"elements":[{"id":"e2","version":1,"versionNonce":1,"index":"a1"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e2", 1) })

	require.Eventually(t, func() bool {
		pad, err := f.store.Load(ctx, f.pad.ID)
		return err == nil && hasElement(pad.Scene, "e2", 1)
	}, 5*time.Second, 50*time.Millisecond, "saves resume after the record is repaired")

	cached, err := f.cache.Get(ctx, f.pad.ID)
	require.NoError(t, err)
	assert.Equal(t, f.pad.OwnerID, cached.OwnerID)
	assert.Equal(t, f.worker.ID(), cached.WorkerID, "repair keeps the pad owned")
}

func TestWorkerGracefulStopFlushesAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })

	f.worker.StopPad(ctx, f.pad.ID, true)

	pad, err := f.store.Load(ctx, f.pad.ID)
	require.NoError(t, err)
	assert.True(t, hasElement(pad.Scene, "e1", 1), "final save ran before release")

	cached, err := f.cache.Get(ctx, f.pad.ID)
	require.NoError(t, err)
	assert.Empty(t, cached.WorkerID, "worker slot released on stop")
	assert.Empty(t, f.worker.ActivePads())
}

func TestEnsureWorkerIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))
	assert.Len(t, f.worker.ActivePads(), 1)
}

func TestEnsureWorkerRespectsForeignClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Warm the cache, then let another process take the slot.
	require.NoError(t, f.cache.Put(ctx, f.pad))
	ok, err := f.cache.AcquireWorker(ctx, f.pad.ID, "someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))
	assert.Empty(t, f.worker.ActivePads(), "a held slot is not contested")

	cached, err := f.cache.Get(ctx, f.pad.ID)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", cached.WorkerID)
}

func TestEnsureWorkerUnknownPad(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.worker.EnsureWorker(context.Background(), uuid.New()))
}

func TestWorkerIgnoresPresenceEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.EnsureWorker(ctx, f.pad.ID))

	require.NoError(t, f.bus.Append(ctx, &model.Event{
		Type:      model.EventUserJoined,
		PadID:     f.pad.ID.String(),
		UserID:    uuid.NewString(),
		Timestamp: model.Timestamp(time.Now()),
	}))

	f.waitApplied(t, `{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}]}`,
		func(s model.Scene) bool { return hasElement(s, "e1", 1) })

	scene, err := f.cache.GetScene(ctx, f.pad.ID)
	require.NoError(t, err)
	assert.Len(t, scene.Elements, 1)
	assert.Empty(t, scene.AppState)
}
