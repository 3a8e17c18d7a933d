package service

import (
	"go.uber.org/fx"
)

var Module = fx.Module("service",
	fx.Provide(
		NewPadResolver,
		NewSessions,
		NoRefresh,

		fx.Annotate(
			NewAccessGuard,
			fx.As(new(Guarder)),
		),
	),
)
