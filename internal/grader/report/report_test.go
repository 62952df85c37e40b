package report_test

import (
	"bytes"
	"strings"
	"testing"

	"hive/internal/grader/parser"
	"hive/internal/grader/report"
)

func TestEncodeDecode(t *testing.T) {
	res, err := parser.ParseString("t1\nA\nX\nY\nhint one\n\n0\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := report.Report{Stage: report.StageRun, Tests: report.FromRecords(res.Records)}
	text, err := report.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := report.Decode(text)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tests) != 1 || out.Tests[0].Passed || out.Tests[0].Hints[0] != "hint one" {
		t.Fatalf("unexpected decoded report: %+v", out)
	}
}

func TestDecodeRejectsUnknownStage(t *testing.T) {
	if _, err := report.Decode(`{"stage":"deploy"}`); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
	if _, err := report.Decode("plain text"); err == nil {
		t.Fatalf("expected error for non json")
	}
}

func TestRenderHTMLRun(t *testing.T) {
	r := report.Report{
		Stage: report.StageRun,
		Tests: []report.Test{
			{Name: "adds", Provided: "1 2", Received: "3", Expected: "3", Passed: true},
			{Name: "<script>", Provided: "a", Received: "b", Expected: "c", Hints: []string{"check & retry"}},
		},
	}
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, r); err != nil {
		t.Fatalf("render: %v", err)
	}
	html := buf.String()
	for _, want := range []string{
		"<fieldset id='pass'>",
		"<legend>adds — Passed</legend>",
		"Input: 1 2<br>",
		"<span>Expected: 3</span>",
		"<fieldset id='fail'>",
		"&lt;script&gt; — Failed",
		"<span id='fail'>Expected: c</span>",
		"<p>check &amp; retry</p>",
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("expected %q in output:\n%s", want, html)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("test name was not escaped:\n%s", html)
	}
}

func TestRenderHTMLCompile(t *testing.T) {
	var buf bytes.Buffer
	err := report.RenderHTML(&buf, report.Report{Stage: report.StageCompile, Output: "main.c:1: error: <x>"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	html := buf.String()
	if !strings.Contains(html, "Compilation failed.") || !strings.Contains(html, "<pre>main.c:1: error: &lt;x&gt;</pre>") {
		t.Fatalf("unexpected compile html:\n%s", html)
	}
}

func TestRenderPending(t *testing.T) {
	var buf bytes.Buffer
	if err := report.RenderPending(&buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), "Awaiting Testing...") {
		t.Fatalf("unexpected pending html: %s", buf.String())
	}
}
