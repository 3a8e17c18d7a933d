package bus

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("bus",
	fx.Provide(New),

	fx.Invoke(func(lc fx.Lifecycle, b *Bus) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return b.Close()
			},
		})
	}),
)
