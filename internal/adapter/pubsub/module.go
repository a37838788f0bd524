package pubsub

import "go.uber.org/fx"

var Module = fx.Module("pubsub",
	fx.Provide(
		NewPublisher,
		NewSink,
	),
)
