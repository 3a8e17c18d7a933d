// Package redis provides the shared Redis client used by the bus, the pad
// cache and the session store.
package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/openpad/pad-collab-service/config"
)

func New(cfg *config.Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

var Module = fx.Module("redis",
	fx.Provide(New),

	fx.Invoke(func(lc fx.Lifecycle, client *goredis.Client) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}),
)
