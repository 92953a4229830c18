package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/transport"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	app := &cli.App{
		Name:  "placerctl",
		Usage: "poke a placer node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "localhost:8000",
				Usage:   "node address",
				EnvVars: []string{"PLACER_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "print the node's view of the cluster",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, cl *transport.Client) error {
						res, err := cl.Info(ctx)
						if err != nil {
							return err
						}
						return printJSON(res)
					})
				},
			},
			{
				Name:      "locate",
				Usage:     "print the nodes which a key routes to",
				ArgsUsage: "<key>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 0, Usage: "number of nodes (default: the node's replication)"},
					&cli.BoolFlag{Name: "record", Usage: "count this as an access"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("usage: placerctl locate <key>")
					}
					return withClient(c, func(ctx context.Context, cl *transport.Client) error {
						res, err := cl.Locate(ctx, &transport.LocateRequest{
							Key:    api.Key(c.Args().First()),
							N:      c.Int("n"),
							Record: c.Bool("record"),
						})
						if err != nil {
							return err
						}
						for _, nID := range res.Nodes {
							fmt.Println(nID)
						}
						return nil
					})
				},
			},
			{
				Name:  "request-round",
				Usage: "ask for a placement round to start now",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, cl *transport.Client) error {
						info, err := cl.Info(ctx)
						if err != nil {
							return err
						}

						// The node must be the coordinator, so send it there.
						if info.Coordinator != info.Node {
							return errors.Errorf("not coordinator; try %s", info.Coordinator)
						}

						return cl.Send(ctx, &transport.RequestRound{From: "placerctl"})
					})
				},
			},
			{
				Name:      "set-cooldown",
				Usage:     "set the minimum time between rounds",
				ArgsUsage: "<duration>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("usage: placerctl set-cooldown <duration>")
					}
					d, err := time.ParseDuration(c.Args().First())
					if err != nil {
						return err
					}
					if d < 0 {
						return errors.Errorf("negative cool down: %s", d)
					}
					return withClient(c, func(ctx context.Context, cl *transport.Client) error {
						return cl.Send(ctx, &transport.SetCoolDown{Ms: uint64(d.Milliseconds())})
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withClient(c *cli.Context, fn func(context.Context, *transport.Client) error) error {
	conn, err := grpc.NewClient(
		c.String("addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(transport.CallOption()),
	)
	if err != nil {
		return errors.Wrap(err, "error dialing node")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	return fn(ctx, transport.NewClient(conn))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
