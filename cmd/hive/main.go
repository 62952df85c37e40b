package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"hive/pkg/utils/logger"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	// HIVE_SERVER and HIVE_USER may come from .env
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "hive",
		Usage: "grade submissions locally or against a hive-server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "log level for grading internals",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			err := logger.Init(logger.Config{
				Level:      cmd.String("log-level"),
				Format:     "console",
				OutputPath: "stderr",
			})
			return ctx, err
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			gradeCommand(),
			packCommand(),
			submitCommand(),
			programsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Value:   "http://localhost:8080",
			Usage:   "hive-server base URL",
			Sources: cli.EnvVars("HIVE_SERVER"),
		},
		&cli.Int64Flag{
			Name:     "user",
			Usage:    "user id sent as X-User-Id",
			Sources:  cli.EnvVars("HIVE_USER"),
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "HTTP request timeout",
		},
	}
}
