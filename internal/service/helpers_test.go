package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/adapter/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Cache:   config.Cache{Expiry: time.Hour},
		Access:  config.Access{RecheckInterval: 100 * time.Millisecond},
		Session: config.Session{Expiry: time.Hour},
	}
}

func newTestPadCache(t *testing.T) (*cache.PadCache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.New(rdb, testConfig(t), discardLogger()), rdb
}
