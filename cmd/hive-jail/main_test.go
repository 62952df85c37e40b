//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hive/internal/grader/runner"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func TestDecodeAndValidateRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{"work_dir":"/tmp/hive-1","argv":["/tmp/hive-1/run"],"env":["PATH=/bin"],"limits":{"address_space_bytes":67108864,"max_procs":16}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := validateRequest(req); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if req.Limits.AddressSpaceBytes != 64<<20 || req.Limits.MaxProcs != 16 {
		t.Fatalf("unexpected limits: %+v", req.Limits)
	}

	cases := []runner.JailRequest{
		{WorkDir: "/tmp"},
		{Argv: []string{""}, WorkDir: "/tmp"},
		{Argv: []string{"run"}},
	}
	for i, c := range cases {
		if err := validateRequest(c); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if _, err := decodeRequest(strings.NewReader("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRlimitsFor(t *testing.T) {
	got := rlimitsFor(runner.JailLimits{AddressSpaceBytes: 1024, MaxProcs: 4})
	if len(got) != 2 {
		t.Fatalf("expected 2 limits, got %+v", got)
	}
	if got[0].resource != unix.RLIMIT_AS || got[0].value != 1024 {
		t.Fatalf("unexpected address space limit: %+v", got[0])
	}
	if got[1].resource != unix.RLIMIT_NPROC || got[1].value != 4 {
		t.Fatalf("unexpected nproc limit: %+v", got[1])
	}
	if len(rlimitsFor(runner.JailLimits{})) != 0 {
		t.Fatalf("zero limits must be skipped")
	}
}

func TestParseSeccompAction(t *testing.T) {
	if a, err := parseSeccompAction("scmp_act_allow"); err != nil || a != seccomp.ActAllow {
		t.Fatalf("unexpected allow action: %v, %v", a, err)
	}
	if _, err := parseSeccompAction("SCMP_ACT_TRACE"); err == nil {
		t.Fatalf("expected unsupported action error")
	}
}

func TestLoadSeccompConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	body := `{"defaultAction":"SCMP_ACT_KILL","syscalls":[{"names":["read","write"],"action":"SCMP_ACT_ALLOW"}]}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadSeccompConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultAction != "SCMP_ACT_KILL" || len(cfg.Syscalls) != 1 || len(cfg.Syscalls[0].Names) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
