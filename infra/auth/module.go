package auth

import (
	"go.uber.org/fx"

	"github.com/collabkit/roomkit/internal/room"
)

var Module = fx.Module("auth",
	fx.Provide(
		NewClient,
		fx.Annotate(
			func(c *Client) room.TokenProvider { return c },
			fx.As(new(room.TokenProvider)),
		),
	),
)
