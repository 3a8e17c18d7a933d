package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

func newTestCache(t *testing.T) (*PadCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{Cache: config.Cache{Expiry: time.Hour}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, cfg, log), mr
}

func testPad(t *testing.T) *model.Pad {
	t.Helper()
	scene := model.NewScene()
	require.NoError(t, json.Unmarshal(
		[]byte(`{"elements":[{"id":"e1","version":1,"versionNonce":1,"index":"a0"}],"files":{},"appState":{}}`),
		&scene,
	))
	scene.Normalize()

	return &model.Pad{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		DisplayName: "sketches",
		Sharing:     model.SharingWhitelist,
		Whitelist:   []uuid.UUID{uuid.New()},
		Scene:       scene,
		CreatedAt:   time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)

	require.NoError(t, c.Put(ctx, pad))

	got, err := c.Get(ctx, pad.ID)
	require.NoError(t, err)
	assert.Equal(t, pad.ID, got.ID)
	assert.Equal(t, pad.OwnerID, got.OwnerID)
	assert.Equal(t, pad.DisplayName, got.DisplayName)
	assert.Equal(t, pad.Sharing, got.Sharing)
	assert.Equal(t, pad.Whitelist, got.Whitelist)
	assert.True(t, pad.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, pad.UpdatedAt.Equal(got.UpdatedAt))
	require.Len(t, got.Scene.Elements, 1)
	assert.Equal(t, "e1", got.Scene.Elements[0].ID)
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotCached)
}

func TestGetDefaultsSharingToPrivate(t *testing.T) {
	c, mr := newTestCache(t)
	padID, ownerID := uuid.New(), uuid.New()

	mr.HSet("pad:"+padID.String(), "id", padID.String(), "owner_id", ownerID.String())

	got, err := c.Get(context.Background(), padID)
	require.NoError(t, err)
	assert.Equal(t, model.SharingPrivate, got.Sharing)
}

func TestSceneReadWrite(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	padID := uuid.New()

	// Uncached pad reads as an empty scene.
	scene, err := c.GetScene(ctx, padID)
	require.NoError(t, err)
	assert.Empty(t, scene.Elements)
	assert.NotNil(t, scene.Files)
	assert.NotNil(t, scene.AppState)

	scene.Files["f1"] = json.RawMessage(`{"mime":"image/png"}`)
	scene.AppState["u1"] = json.RawMessage(`{"zoom":2}`)
	require.NoError(t, c.SetScene(ctx, padID, scene))

	got, err := c.GetScene(ctx, padID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mime":"image/png"}`, string(got.Files["f1"]))
	assert.JSONEq(t, `{"zoom":2}`, string(got.AppState["u1"]))
}

func TestSetSceneLeavesMetadataAlone(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	scene := pad.Scene
	scene.AppState["u1"] = json.RawMessage(`{}`)
	require.NoError(t, c.SetScene(ctx, pad.ID, scene))

	got, err := c.Get(ctx, pad.ID)
	require.NoError(t, err)
	assert.Equal(t, pad.OwnerID, got.OwnerID)
	assert.Equal(t, pad.DisplayName, got.DisplayName)
	assert.Contains(t, got.Scene.AppState, "u1")
}

func TestExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	mr.FastForward(2 * time.Hour)

	_, err := c.Get(ctx, pad.ID)
	require.ErrorIs(t, err, ErrNotCached)
}

func TestTouchRenewsTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, c.Touch(ctx, pad.ID))
	mr.FastForward(45 * time.Minute)

	_, err := c.Get(ctx, pad.ID)
	require.NoError(t, err, "touched entry survives past the original deadline")
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	require.NoError(t, c.Invalidate(ctx, pad.ID))
	_, err := c.Get(ctx, pad.ID)
	require.ErrorIs(t, err, ErrNotCached)
}

func TestWorkerSlotClaim(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	ok, err := c.AcquireWorker(ctx, pad.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok, "empty slot is claimable")

	ok, err = c.AcquireWorker(ctx, pad.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok, "re-claiming our own slot is fine")

	ok, err = c.AcquireWorker(ctx, pad.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "a held slot rejects other claimants")

	got, err := c.Get(ctx, pad.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.WorkerID)
}

func TestWorkerSlotRelease(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	pad := testPad(t)
	require.NoError(t, c.Put(ctx, pad))

	ok, err := c.AcquireWorker(ctx, pad.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	released, err := c.ReleaseWorker(ctx, pad.ID, "w2")
	require.NoError(t, err)
	assert.False(t, released, "only the owner may release")

	released, err = c.ReleaseWorker(ctx, pad.ID, "w1")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = c.AcquireWorker(ctx, pad.ID, "w2")
	require.NoError(t, err)
	assert.True(t, ok, "released slot is claimable again")
}
