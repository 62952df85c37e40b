package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hive/internal/grader/report"
	"hive/internal/grader/workspace"

	"github.com/fatih/color"
)

func writeHarnessDir(t *testing.T, compile, run string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{workspace.CompileScript: compile, workspace.RunScript: run} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func testOptions() localOptions {
	return localOptions{compileTimeout: 5 * time.Second, runTimeout: 5 * time.Second}
}

func TestGradeLocalFromDirectory(t *testing.T) {
	dir := writeHarnessDir(t,
		"cp user prog\n",
		"printf 't1\\nA\\nB\\n'; cat prog; printf '\\n\\n7\\n'\n",
	)
	harness, err := loadHarness(dir)
	if err != nil {
		t.Fatalf("load harness: %v", err)
	}

	rep, grade, err := gradeLocal(context.Background(), harness, []byte("B"), testOptions())
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if rep.Stage != report.StageRun || grade != 7 {
		t.Fatalf("unexpected result: stage=%s grade=%d", rep.Stage, grade)
	}
	if rep.PassedCount() != 1 {
		t.Fatalf("expected one passing test, got %+v", rep.Tests)
	}
}

func TestGradeLocalCompileFailure(t *testing.T) {
	dir := writeHarnessDir(t, "echo 'syntax error'; exit 1\n", "echo never\n")
	harness, err := loadHarness(dir)
	if err != nil {
		t.Fatalf("load harness: %v", err)
	}

	rep, grade, err := gradeLocal(context.Background(), harness, []byte("x"), testOptions())
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if rep.Stage != report.StageCompile || grade != 0 {
		t.Fatalf("unexpected result: stage=%s grade=%d", rep.Stage, grade)
	}
	if !strings.Contains(rep.Output, "syntax error") {
		t.Fatalf("expected compiler output, got %q", rep.Output)
	}
}

func TestLoadHarnessRejectsIncompleteDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, workspace.CompileScript), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write compile: %v", err)
	}
	if _, err := loadHarness(dir); err == nil {
		t.Fatalf("expected missing run script to fail")
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printReport(&buf, report.Report{
		Stage: report.StageRun,
		Tests: []report.Test{
			{Name: "adds", Passed: true},
			{Name: "negates", Provided: "1", Received: "1", Expected: "-1", Hints: []string{"check the sign"}},
		},
	}, 5)

	out := buf.String()
	for _, want := range []string{"PASS adds", "FAIL negates", "hint: check the sign", "1/2 passed, grade 5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
