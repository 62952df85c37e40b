// Package runner executes harness scripts inside a workspace with a
// bounded environment, captured stdout and a wall-clock limit.
package runner

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"hive/pkg/errors"
	"hive/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultMaxOutputBytes int64 = 4 << 20
	defaultPath                 = "/usr/local/bin:/usr/bin:/bin"
	defaultAddressSpace   int64 = 64 << 20
	waitDelay                   = time.Second
)

// JailConfig routes execution through the hive-jail helper.
type JailConfig struct {
	// HelperPath enables the jail when set.
	HelperPath        string `yaml:"helperPath"`
	AddressSpaceBytes int64  `yaml:"addressSpaceBytes"`
	CPUSeconds        uint64 `yaml:"cpuSeconds"`
	FileSizeBytes     int64  `yaml:"fileSizeBytes"`
	MaxProcs          uint64 `yaml:"maxProcs"`
	SeccompProfile    string `yaml:"seccompProfile"`
}

// Config controls how scripts are launched.
type Config struct {
	// Path is the PATH handed to scripts.
	Path string `yaml:"path"`
	// Wrapper is prefixed to every command, e.g. "nice -n 10".
	Wrapper        string     `yaml:"wrapper"`
	MergeStderr    bool       `yaml:"mergeStderr"`
	MaxOutputBytes int64      `yaml:"maxOutputBytes"`
	Jail           JailConfig `yaml:"jail"`
}

// Result describes one finished script.
type Result struct {
	Stdout    []byte
	Success   bool
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// JailRequest is written as JSON to the helper's stdin.
type JailRequest struct {
	WorkDir        string     `json:"work_dir"`
	Argv           []string   `json:"argv"`
	Env            []string   `json:"env"`
	Limits         JailLimits `json:"limits"`
	SeccompProfile string     `json:"seccomp_profile,omitempty"`
}

// JailLimits are applied with setrlimit before exec. Zero leaves a limit untouched.
type JailLimits struct {
	AddressSpaceBytes int64  `json:"address_space_bytes"`
	CPUSeconds        uint64 `json:"cpu_seconds"`
	FileSizeBytes     int64  `json:"file_size_bytes"`
	MaxProcs          uint64 `json:"max_procs"`
}

// Runner is safe for concurrent use; every Run owns its own process.
type Runner struct {
	cfg     Config
	wrapper []string
}

// New validates cfg and splits the wrapper command.
func New(cfg Config) (*Runner, error) {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	wrapper, err := shlex.Split(cfg.Wrapper)
	if err != nil {
		return nil, fmt.Errorf("parse runner wrapper: %w", err)
	}
	if cfg.Jail.HelperPath != "" {
		if !jailSupported {
			return nil, fmt.Errorf("jail helper is only supported on linux")
		}
		if cfg.Jail.AddressSpaceBytes == 0 {
			cfg.Jail.AddressSpaceBytes = defaultAddressSpace
		}
	}
	return &Runner{cfg: cfg, wrapper: wrapper}, nil
}

// Run executes root/script with cwd root. A missing or non-executable
// script or a failed start is a LaunchError. A non-zero exit, timeout or
// cancellation is reported in Result with a nil error.
func (r *Runner) Run(ctx context.Context, root, script string, timeout time.Duration) (Result, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return Result{}, errors.Wrapf(err, errors.LaunchError, "resolve workspace root")
	}
	scriptPath := filepath.Join(root, script)
	if err := checkExecutable(scriptPath); err != nil {
		return Result{}, err
	}

	env := r.environment(root)
	argv := append(append([]string{}, r.wrapper...), scriptPath)

	var cmd *exec.Cmd
	if r.cfg.Jail.HelperPath != "" {
		cmd = exec.Command(r.cfg.Jail.HelperPath)
		stdin, err := jsonToPipe(r.jailRequest(root, argv, env))
		if err != nil {
			return Result{}, errors.Wrapf(err, errors.LaunchError, "encode jail request")
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = root
	cmd.Env = env
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	out := newLimitedBuffer(r.cfg.MaxOutputBytes)
	cmd.Stdout = out
	if r.cfg.MergeStderr {
		cmd.Stderr = out
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrapf(err, errors.LaunchError, "start %s: %v", script, err)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-ctx.Done():
			timedOut.Store(true)
			killProcessGroup(cmd)
		case <-timer:
			timedOut.Store(true)
			killProcessGroup(cmd)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	res := Result{
		Stdout:    out.Bytes(),
		ExitCode:  exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut:  timedOut.Load(),
		Truncated: out.Truncated(),
		Duration:  time.Since(start),
	}
	res.Success = waitErr == nil && res.ExitCode == 0 && !res.TimedOut
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	logger.Debug(ctx, "script finished",
		zap.String("script", script),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
		zap.Int("stdout_bytes", len(res.Stdout)),
	)
	return res, nil
}

func (r *Runner) environment(root string) []string {
	return []string{
		"PATH=" + r.cfg.Path,
		"HOME=" + root,
		"TMPDIR=" + root,
		"LANG=C.UTF-8",
	}
}

func (r *Runner) jailRequest(root string, argv, env []string) JailRequest {
	j := r.cfg.Jail
	return JailRequest{
		WorkDir: root,
		Argv:    argv,
		Env:     env,
		Limits: JailLimits{
			AddressSpaceBytes: j.AddressSpaceBytes,
			CPUSeconds:        j.CPUSeconds,
			FileSizeBytes:     j.FileSizeBytes,
			MaxProcs:          j.MaxProcs,
		},
		SeccompProfile: j.SeccompProfile,
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, errors.LaunchError, "script %s not found", filepath.Base(path))
	}
	if !info.Mode().IsRegular() {
		return errors.Newf(errors.LaunchError, "script %s is not a regular file", filepath.Base(path))
	}
	if info.Mode().Perm()&0111 == 0 {
		return errors.Newf(errors.LaunchError, "script %s is not executable", filepath.Base(path))
	}
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func jsonToPipe(v interface{}) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(v)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}
