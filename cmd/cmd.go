package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/collabkit/roomkit/config"
)

const ServiceName = "roomkit"

var version = "0.0.0"

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Client runtime for collaborative rooms",
		Version: version,
		Commands: []*cli.Command{
			tailCmd(),
		},
	}
	return app.Run(os.Args)
}

func tailCmd() *cli.Command {
	return &cli.Command{
		Name:    "tail",
		Aliases: []string{"t"},
		Usage:   "Join a room and stream its events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
