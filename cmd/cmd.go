package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"
	"github.com/webitel/notification-fabric/internal/config"
	"github.com/webitel/notification-fabric/internal/dashboard"
)

const (
	ServiceName      = "notification-fabric"
	ServiceNamespace = "webitel"
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Horizontally-scalable real-time notification delivery fabric",
		Commands: []*cli.Command{
			serverCmd(),
			dashboardCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run a fabric instance (HTTP/WS surface plus background loops)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet("notification-fabric", pflag.ContinueOnError)
			cfg, err := config.Load(flags, c.String("config_file"))
			if err != nil {
				return err
			}

			application := NewApp(cfg)

			if err := application.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down...")
			return application.Stop(context.Background())
		},
	}
}

func dashboardCmd() *cli.Command {
	return &cli.Command{
		Name:  "dashboard",
		Usage: "Operator terminal dashboard polling a running instance's stats endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Base URL of the fabric instance's HTTP surface",
				Value: "http://localhost:8080",
			},
		},
		Action: func(c *cli.Context) error {
			return dashboard.Run(c.String("addr"))
		},
	}
}
