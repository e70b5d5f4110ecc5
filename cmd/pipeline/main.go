// Package main runs the whole pipeline in one process: the HTTP API, the item
// processor and the dead-letter handler.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "pipeline",
		Usage: "Idempotent order fan-out pipeline",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP API and the queue consumers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, true, true)
				},
			},
			{
				Name:  "api",
				Usage: "Start only the HTTP API",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, true, false)
				},
			},
			{
				Name:  "consume",
				Usage: "Start only the work and dead-letter queue consumers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, false, true)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("pipeline failed", slog.Any("error", err))
		os.Exit(1)
	}
}
