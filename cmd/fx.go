package cmd

import (
	"go.uber.org/fx"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/infra/postgres"
	redisinfra "github.com/openpad/pad-collab-service/infra/redis"
	"github.com/openpad/pad-collab-service/infra/server/httpsrv"
	"github.com/openpad/pad-collab-service/internal/adapter/bus"
	"github.com/openpad/pad-collab-service/internal/adapter/cache"
	"github.com/openpad/pad-collab-service/internal/adapter/store"
	wshandler "github.com/openpad/pad-collab-service/internal/handler/ws"
	"github.com/openpad/pad-collab-service/internal/metrics"
	"github.com/openpad/pad-collab-service/internal/service"
	"github.com/openpad/pad-collab-service/internal/worker"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		redisinfra.Module,
		postgres.Module,
		metrics.Module,
		bus.Module,
		cache.Module,
		store.Module,
		service.Module,
		worker.Module,
		wshandler.Module,
		httpsrv.Module,
	)
}
