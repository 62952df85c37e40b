package main

import (
	"context"
	"fmt"
	"os"

	"hive/internal/grader/workspace"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

func packCommand() *cli.Command {
	return &cli.Command{
		Name:  "pack",
		Usage: "pack a harness directory into a tar.zst archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "directory holding compile and run", Required: true},
			&cli.StringFlag{Name: "out", Usage: "archive path", Value: "harness.tar.zst"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, out := cmd.String("dir"), cmd.String("out")
			if err := workspace.CheckHarnessDir(dir); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create archive: %w", err)
			}
			if err := workspace.Pack(dir, f); err != nil {
				_ = f.Close()
				_ = os.Remove(out)
				return fmt.Errorf("pack harness: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			color.Green("wrote %s", out)
			return nil
		},
	}
}
