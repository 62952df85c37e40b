package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"hive/internal/grader/parser"
	"hive/internal/grader/report"
	"hive/internal/grader/runner"
	"hive/internal/grader/workspace"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

func gradeCommand() *cli.Command {
	return &cli.Command{
		Name:  "grade",
		Usage: "run a harness against a file on this machine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "harness", Usage: "harness archive or directory", Required: true},
			&cli.StringFlag{Name: "file", Usage: "submission file", Required: true},
			&cli.DurationFlag{Name: "compile-timeout", Value: 5 * time.Second},
			&cli.DurationFlag{Name: "run-timeout", Value: 5 * time.Second},
			&cli.StringFlag{Name: "html", Usage: "also write the HTML report to this path"},
			&cli.StringFlag{Name: "jail", Usage: "path to hive-jail; empty runs scripts directly"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			harness, err := loadHarness(cmd.String("harness"))
			if err != nil {
				return err
			}
			file, err := os.ReadFile(cmd.String("file"))
			if err != nil {
				return fmt.Errorf("read submission: %w", err)
			}
			rep, grade, err := gradeLocal(ctx, harness, file, localOptions{
				compileTimeout: cmd.Duration("compile-timeout"),
				runTimeout:     cmd.Duration("run-timeout"),
				jail:           cmd.String("jail"),
			})
			if err != nil {
				return err
			}
			printReport(os.Stdout, rep, grade)
			if path := cmd.String("html"); path != "" {
				return writeHTML(path, rep)
			}
			return nil
		},
	}
}

type localOptions struct {
	compileTimeout time.Duration
	runTimeout     time.Duration
	jail           string
}

// gradeLocal runs the same prepare, compile and run stages as the server
// without a database or a queue.
func gradeLocal(ctx context.Context, harness, file []byte, opts localOptions) (report.Report, int, error) {
	manager, err := workspace.NewManager(workspace.Config{})
	if err != nil {
		return report.Report{}, 0, err
	}
	r, err := runner.New(runner.Config{Jail: runner.JailConfig{HelperPath: opts.jail}})
	if err != nil {
		return report.Report{}, 0, err
	}

	ws, err := manager.Prepare(ctx, harness, file)
	if err != nil {
		return report.Report{Stage: report.StagePrepare, Output: err.Error()}, 0, nil
	}
	defer func() { _ = ws.Release() }()

	compiled, err := r.Run(ctx, ws.Dir(), workspace.CompileScript, opts.compileTimeout)
	if err != nil {
		return report.Report{}, 0, err
	}
	if !compiled.Success {
		return report.Report{Stage: report.StageCompile, Output: string(compiled.Stdout), TimedOut: compiled.TimedOut}, 0, nil
	}

	ran, err := r.Run(ctx, ws.Dir(), workspace.RunScript, opts.runTimeout)
	if err != nil {
		return report.Report{}, 0, err
	}
	result, perr := parser.Parse(bytes.NewReader(ran.Stdout))
	grade := result.Grade
	if perr != nil {
		grade = 0
	}
	return report.Report{
		Stage:     report.StageRun,
		Tests:     report.FromRecords(result.Records),
		Malformed: perr != nil,
		TimedOut:  ran.TimedOut,
	}, grade, nil
}

// loadHarness accepts a packed archive or a directory with compile and run.
func loadHarness(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open harness: %w", err)
	}
	if !info.IsDir() {
		return os.ReadFile(path)
	}
	if err := workspace.CheckHarnessDir(path); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := workspace.Pack(path, &buf); err != nil {
		return nil, fmt.Errorf("pack harness: %w", err)
	}
	return buf.Bytes(), nil
}

func printReport(w io.Writer, rep report.Report, grade int) {
	bold := color.New(color.Bold)
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)

	switch rep.Stage {
	case report.StagePrepare:
		fail.Fprintln(w, "harness could not be prepared")
		fmt.Fprintln(w, rep.Output)
		return
	case report.StageCompile:
		if rep.TimedOut {
			fail.Fprintln(w, "compile timed out")
		} else {
			fail.Fprintln(w, "compile failed")
		}
		fmt.Fprint(w, rep.Output)
		return
	}

	for _, t := range rep.Tests {
		if t.Passed {
			pass.Fprint(w, "PASS ")
			fmt.Fprintln(w, t.Name)
			continue
		}
		fail.Fprint(w, "FAIL ")
		fmt.Fprintln(w, t.Name)
		dim.Fprintf(w, "  input:    %q\n", t.Provided)
		dim.Fprintf(w, "  output:   %q\n", t.Received)
		dim.Fprintf(w, "  expected: %q\n", t.Expected)
		for _, hint := range t.Hints {
			color.New(color.FgYellow).Fprintf(w, "  hint: %s\n", hint)
		}
	}
	if rep.TimedOut {
		fail.Fprintln(w, "run timed out")
	}
	if rep.Malformed {
		fail.Fprintln(w, "test output was malformed")
	}
	bold.Fprintf(w, "%d/%d passed, grade %d\n", rep.PassedCount(), len(rep.Tests), grade)
}

func writeHTML(path string, rep report.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.RenderHTML(f, rep); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
