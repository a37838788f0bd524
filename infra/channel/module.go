package channel

import (
	"go.uber.org/fx"

	"github.com/collabkit/roomkit/internal/room"
)

var Module = fx.Module("channel",
	fx.Provide(
		NewWebSocketDialer,
		fx.Annotate(
			func(d *WebSocketDialer) room.ChannelDialer { return d },
			fx.As(new(room.ChannelDialer)),
		),
	),
)
