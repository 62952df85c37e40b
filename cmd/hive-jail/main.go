//go:build linux

// Command hive-jail applies resource limits and an optional seccomp filter
// to itself, then execs a harness script in place. The runner writes a
// runner.JailRequest as JSON on stdin. Stdout and stderr pass through
// untouched so the runner still captures the script's output.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"hive/internal/grader/runner"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "hive-jail:", err.Error())
		os.Exit(126)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := detachStdin(); err != nil {
		return err
	}

	os.Clearenv()
	for _, kv := range req.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	cmdPath, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Argv, req.Env)
}

func decodeRequest(r io.Reader) (runner.JailRequest, error) {
	var req runner.JailRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return runner.JailRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req runner.JailRequest) error {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

// detachStdin replaces the request pipe with /dev/null.
func detachStdin() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return nil
}

func applyRlimits(limits runner.JailLimits) error {
	for _, l := range rlimitsFor(limits) {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

type rlimit struct {
	name     string
	resource int
	value    uint64
}

func rlimitsFor(limits runner.JailLimits) []rlimit {
	var out []rlimit
	if limits.AddressSpaceBytes > 0 {
		out = append(out, rlimit{"as", unix.RLIMIT_AS, uint64(limits.AddressSpaceBytes)})
	}
	if limits.CPUSeconds > 0 {
		out = append(out, rlimit{"cpu", unix.RLIMIT_CPU, limits.CPUSeconds})
	}
	if limits.FileSizeBytes > 0 {
		out = append(out, rlimit{"fsize", unix.RLIMIT_FSIZE, uint64(limits.FileSizeBytes)})
	}
	if limits.MaxProcs > 0 {
		out = append(out, rlimit{"nproc", unix.RLIMIT_NPROC, limits.MaxProcs})
	}
	return out
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func loadSeccompConfig(path string) (seccompConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seccompConfig{}, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return seccompConfig{}, fmt.Errorf("parse seccomp profile: %w", err)
	}
	return cfg, nil
}

func applySeccomp(profilePath string) error {
	cfg, err := loadSeccompConfig(profilePath)
	if err != nil {
		return err
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				return fmt.Errorf("unknown syscall %q: %w", name, err)
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule: %w", err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
