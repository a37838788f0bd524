package room

import "go.uber.org/fx"

var Module = fx.Module("room",
	fx.Provide(New),
)
