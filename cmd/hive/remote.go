package main

import (
	"context"
	"fmt"
	"os"

	"hive/internal/cli/client"
	"hive/internal/submit/controller"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

func newClient(cmd *cli.Command) *client.Client {
	return client.New(cmd.String("server"), cmd.Int64("user"), cmd.Duration("timeout"))
}

func submitCommand() *cli.Command {
	flags := append(serverFlags(),
		&cli.Int64Flag{Name: "project", Usage: "project id", Required: true},
		&cli.StringFlag{Name: "file", Usage: "submission file", Required: true},
		&cli.BoolFlag{Name: "watch", Usage: "follow grading until the submission completes", Value: true},
	)
	return &cli.Command{
		Name:  "submit",
		Usage: "upload a submission to a hive-server",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			file, err := os.ReadFile(cmd.String("file"))
			if err != nil {
				return fmt.Errorf("read submission: %w", err)
			}
			c := newClient(cmd)
			id, err := c.Submit(ctx, cmd.Int64("project"), file)
			if err != nil {
				return err
			}
			fmt.Println("submission", color.CyanString(id))
			if !cmd.Bool("watch") {
				return nil
			}

			last := ""
			detail, err := c.Watch(ctx, id, func(f controller.WatchFrame) {
				if f.Stage != "" && f.Stage != last {
					last = f.Stage
					color.New(color.Faint).Printf("  %s\n", f.Stage)
				}
			})
			if err != nil {
				return err
			}
			if detail.Report == nil {
				return fmt.Errorf("submission %s completed without a report", id)
			}
			grade := 0
			if detail.Grade != nil {
				grade = *detail.Grade
			}
			printReport(os.Stdout, *detail.Report, grade)
			return nil
		},
	}
}

func programsCommand() *cli.Command {
	return &cli.Command{
		Name:  "programs",
		Usage: "list programs, projects and best grades",
		Flags: serverFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			programs, err := newClient(cmd).Programs(ctx)
			if err != nil {
				return err
			}
			bold := color.New(color.Bold)
			for _, p := range programs {
				bold.Println(p.Name)
				for _, proj := range p.Projects {
					best := "-"
					if proj.BestGrade != nil {
						best = fmt.Sprint(*proj.BestGrade)
					}
					fmt.Printf("  %-6d %-30s %s/%d  (%d submissions)\n",
						proj.ID, proj.Name, best, proj.MaxGrade, proj.Submissions)
				}
			}
			return nil
		},
	}
}
