package store

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
)

var Module = fx.Module("store",
	fx.Provide(
		func(pool *pgxpool.Pool, log *slog.Logger) PadStore {
			return WithBreaker(NewPostgres(pool), log)
		},
	),
)
