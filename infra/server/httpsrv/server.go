// Package httpsrv hosts the service's HTTP surface: the WebSocket upgrade
// endpoint, prometheus metrics and a health probe.
package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/openpad/pad-collab-service/config"
	wshandler "github.com/openpad/pad-collab-service/internal/handler/ws"
)

func NewRouter(wsh *wshandler.Handler, reg *prometheus.Registry, rdb *goredis.Client) chi.Router {
	r := chi.NewRouter()

	r.Get("/ws/pad/{pad_id}", wsh.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

func NewServer(cfg *config.Config, router chi.Router) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

var Module = fx.Module("httpsrv",
	fx.Provide(
		NewRouter,
		NewServer,
	),

	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, log *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					log.Info("http server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http server failed", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
