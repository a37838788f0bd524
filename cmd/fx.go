package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"

	"github.com/collabkit/roomkit/config"
	"github.com/collabkit/roomkit/infra/auth"
	"github.com/collabkit/roomkit/infra/channel"
	"github.com/collabkit/roomkit/infra/debug"
	"github.com/collabkit/roomkit/internal/adapter/pubsub"
	"github.com/collabkit/roomkit/internal/domain/model"
	"github.com/collabkit/roomkit/internal/room"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideRoomOptions,
			ProvideAuthConfig,
			ProvidePublisherConfig,
		),
		auth.Module,
		channel.Module,
		room.Module,
		pubsub.Module,
		fx.Invoke(registerSession),
	)
}

func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel,
	}))
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvideRoomOptions(cfg *config.Config, logger *slog.Logger) room.Options {
	return room.Options{
		RoomID:          cfg.Room.ID,
		ServerURL:       cfg.Room.ServerURL,
		ClientVersion:   version,
		ThrottleDelay:   cfg.Room.ThrottleDelay,
		InitialPresence: model.Presence(cfg.Room.InitialPresence),
		Production:      cfg.Room.Production,
		Logger:          logger,
	}
}

func ProvideAuthConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Mode:         auth.Mode(cfg.Auth.Mode),
		Endpoint:     cfg.Auth.Endpoint,
		PublicAPIKey: cfg.Auth.PublicAPIKey,
	}
}

func ProvidePublisherConfig(cfg *config.Config) pubsub.PublisherConfig {
	return pubsub.PublisherConfig{
		AMQPURL:  cfg.Events.AMQPURL,
		Exchange: cfg.Events.Exchange,
	}
}

// registerSession ties the room lifecycle to the fx app: connect on start,
// stream events to the log and the sink, disconnect on stop.
func registerSession(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *slog.Logger,
	r *room.Room,
	sink *pubsub.Sink,
) {
	var detach func()
	var debugSrv *debug.Server
	if cfg.Debug.Addr != "" {
		debugSrv = debug.NewServer(cfg.Debug.Addr, r, logger)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			detach = sink.Attach(r)
			r.SubscribeConnection(func(c model.Connection) {
				logger.Info("connection", "state", c.State, "actor", c.Actor)
			})
			r.SubscribeOthers(func(ev room.OthersEvent) {
				logger.Info("others", "type", ev.Type, "count", len(ev.Others))
			})
			r.SubscribeEvent(func(ev room.CustomEvent) {
				logger.Info("event", "from", ev.ConnectionID, "payload", string(ev.Event))
			})
			r.SubscribeError(func(err error) {
				logger.Error("room error", "error", err)
			})
			if debugSrv != nil {
				debugSrv.Start()
			}
			r.Connect()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if debugSrv != nil {
				if err := debugSrv.Stop(ctx); err != nil {
					logger.Warn("debug server stop", "error", err)
				}
			}
			if detach != nil {
				detach()
			}
			r.Disconnect()
			return nil
		},
	})
}
