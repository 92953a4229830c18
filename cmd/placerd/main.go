package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adammck/placer/pkg/config"
	"github.com/adammck/placer/pkg/roster"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	app := &cli.App{
		Name:  "placerd",
		Usage: "learns where keys should live, and tells the store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to YAML config (default: built-in defaults)",
				EnvVars: []string{"PLACER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "addr",
				Value:   "localhost:8000",
				Usage:   "address to start grpc server on",
				EnvVars: []string{"PLACER_ADDR"},
			},
			&cli.StringFlag{
				Name:  "pub-addr",
				Usage: "address for other nodes to reach this (default: same as -addr)",
			},
			&cli.StringFlag{
				Name:  "ident",
				Usage: "node ID (default: derived from -pub-addr)",
			},
			&cli.StringFlag{
				Name:  "service",
				Value: roster.DefaultServiceName,
				Usage: "name of the service to register with and discover in consul",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Value: "localhost:9100",
				Usage: "address to serve prometheus metrics on (empty to disable)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "one of: debug, info, warn, error",
				EnvVars: []string{"PLACER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "disabled",
				Usage: "start with placement disabled, overriding config",
			},
		},
		Action: func(c *cli.Context) error {
			lvl, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(lvl)

			cfg := config.Default()
			if path := c.String("config"); path != "" {
				cfg, err = config.Load(path)
				if err != nil {
					return err
				}
			}
			if c.Bool("disabled") {
				cfg.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			addrPub := c.String("pub-addr")
			if addrPub == "" {
				addrPub = c.String("addr")
			}

			d, err := New(cfg, Options{
				AddrLis:     c.String("addr"),
				AddrPub:     addrPub,
				Ident:       c.String("ident"),
				ServiceName: c.String("service"),
				MetricsAddr: c.String("metrics-addr"),
			}, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sig
				cancel()
			}()

			return d.Run(ctx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		exit(log, err)
	}
}

func exit(log logrus.FieldLogger, err error) {
	log.Fatalf("Error: %s", err)
}
