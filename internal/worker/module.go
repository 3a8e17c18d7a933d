package worker

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(New),

	fx.Invoke(func(lc fx.Lifecycle, w *CanvasWorker) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				w.Stop(ctx)
				return nil
			},
		})
	}),
)
