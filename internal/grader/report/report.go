// Package report is the persisted form of a grading attempt and its HTML rendering.
package report

import (
	"encoding/json"
	"fmt"

	"hive/internal/grader/parser"
)

// Stage names the pipeline stage that produced a report.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageCompile Stage = "compile"
	StageRun     Stage = "run"
)

// Test is a parsed record with its verdict computed.
type Test struct {
	Name     string   `json:"name"`
	Provided string   `json:"provided"`
	Received string   `json:"received"`
	Expected string   `json:"expected"`
	Hints    []string `json:"hints,omitempty"`
	Passed   bool     `json:"passed"`
}

// Report is stored as the submission's report text.
type Report struct {
	Stage     Stage  `json:"stage"`
	Output    string `json:"output,omitempty"`
	Tests     []Test `json:"tests,omitempty"`
	Malformed bool   `json:"malformed,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

// FromRecords converts parser output.
func FromRecords(records []parser.TestRecord) []Test {
	if len(records) == 0 {
		return nil
	}
	tests := make([]Test, 0, len(records))
	for _, r := range records {
		tests = append(tests, Test{
			Name:     r.Name,
			Provided: r.Provided,
			Received: r.Received,
			Expected: r.Expected,
			Hints:    r.Hints,
			Passed:   r.Passed(),
		})
	}
	return tests
}

// PassedCount returns how many tests passed.
func (r Report) PassedCount() int {
	n := 0
	for _, t := range r.Tests {
		if t.Passed {
			n++
		}
	}
	return n
}

// Encode serializes r for storage.
func Encode(r Report) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return string(data), nil
}

// Decode parses stored report text.
func Decode(text string) (Report, error) {
	var r Report
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	switch r.Stage {
	case StagePrepare, StageCompile, StageRun:
	default:
		return Report{}, fmt.Errorf("decode report: unknown stage %q", r.Stage)
	}
	return r, nil
}
