// Package postgres provides the pgx connection pool backing the pad store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/openpad/pad-collab-service/config"
)

func New(cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres: POSTGRES_DSN is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return pool, nil
}

var Module = fx.Module("postgres",
	fx.Provide(New),

	fx.Invoke(func(lc fx.Lifecycle, pool *pgxpool.Pool) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return pool.Ping(ctx)
			},
			OnStop: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
	}),
)
