package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// ExecutionError is the categorical run-fatal error: the framework process
// could not run or its reports could not be parsed. CLI exit 2.
type ExecutionError struct {
	Framework string
	Message   string
	Err       error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("execution error (%s): %s", e.Framework, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// killGrace is the window between the polite SIGTERM and the hard SIGKILL.
const killGrace = 10 * time.Second

// spawnRetryDelay is the pause before the single transient-spawn retry.
const spawnRetryDelay = 2 * time.Second

// Execute runs the synthesized command and parses the framework reports:
// spawn -> wait (with deadline) -> parse. The framework runs in its own
// process group so the terminate/kill sequence reaches its children.
func Execute(ctx context.Context, a Adapter, plan *model.ExecutionPlan, workspace string, opts Options, logger *zap.Logger) (*model.ExecutionResult, error) {
	inv, err := a.Command(plan, workspace, opts)
	if err != nil {
		return nil, &ExecutionError{Framework: a.Tag(), Message: "command synthesis failed", Err: err}
	}
	if err := os.MkdirAll(opts.ArtifactsDir, 0o755); err != nil {
		return nil, &ExecutionError{Framework: a.Tag(), Message: "artifacts dir", Err: err}
	}

	start := time.Now()
	exitCode, runState, err := runProcess(ctx, inv, opts.ArtifactsDir, logger)
	if err != nil {
		return nil, &ExecutionError{Framework: a.Tag(), Message: "framework process failed to start", Err: err}
	}
	wallClock := time.Since(start).Milliseconds()

	res, parseErr := a.ParseResult(plan, workspace, opts)
	if parseErr != nil {
		if reportsMissing(parseErr) {
			// The process died before writing any report: a result with
			// status=error, not a run-fatal error.
			res = &model.ExecutionResult{
				Status:  model.RunError,
				Passed:  []string{},
				Failed:  []string{},
				Skipped: []string{},
				Tests:   map[string]model.TestOutcome{},
				Warnings: []string{
					fmt.Sprintf("no reports produced: %v", parseErr),
				},
			}
		} else {
			return nil, &ExecutionError{Framework: a.Tag(), Message: "report parsing failed", Err: parseErr}
		}
	}

	res.WallClockDurationMS = wallClock
	res.ExitCode = exitCode
	res.Host = hostMetadata()
	switch runState {
	case runTimedOut:
		res.Status = model.RunTimeout
	case runCancelled:
		res.Status = model.RunCancelled
	}
	return res, nil
}

type processState int

const (
	runCompleted processState = iota
	runTimedOut
	runCancelled
)

// runProcess spawns argv directly (no shell), captures stdout/stderr under
// the artifacts dir, and enforces the context deadline with a
// terminate -> grace -> kill sequence on the process group. One transient
// spawn failure is retried after a fixed delay.
func runProcess(ctx context.Context, inv *Invocation, artifactsDir string, logger *zap.Logger) (exitCode int, state processState, err error) {
	for attempt := 0; ; attempt++ {
		exitCode, state, err = runProcessOnce(ctx, inv, artifactsDir, logger)
		if err == nil || attempt >= 1 || !isTransientSpawn(err) || ctx.Err() != nil {
			return exitCode, state, err
		}
		logger.Warn("transient spawn failure, retrying once",
			zap.Strings("argv", inv.Argv), zap.Error(err))
		select {
		case <-time.After(spawnRetryDelay):
		case <-ctx.Done():
			return 0, runCancelled, err
		}
	}
}

func runProcessOnce(ctx context.Context, inv *Invocation, artifactsDir string, logger *zap.Logger) (int, processState, error) {
	stdout, err := os.Create(filepath.Join(artifactsDir, "stdout.log"))
	if err != nil {
		return 0, runCompleted, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(artifactsDir, "stderr.log"))
	if err != nil {
		return 0, runCompleted, err
	}
	defer stderr.Close()

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Info("spawning framework process",
		zap.Strings("argv", inv.Argv), zap.String("dir", inv.Dir))
	if err := cmd.Start(); err != nil {
		return 0, runCompleted, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case waitErr := <-waitCh:
		return exitCodeOf(cmd, waitErr), runCompleted, nil
	case <-ctx.Done():
		state := runCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			state = runTimedOut
		}
		logger.Warn("terminating framework process", zap.String("cause", ctx.Err().Error()))
		if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
			logger.Warn("terminate failed", zap.Error(err))
		}
		select {
		case waitErr := <-waitCh:
			return exitCodeOf(cmd, waitErr), state, nil
		case <-time.After(killGrace):
		}
		if err := killProcessGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Warn("kill failed", zap.Error(err))
		}
		select {
		case waitErr := <-waitCh:
			return exitCodeOf(cmd, waitErr), state, nil
		case <-time.After(2 * time.Second):
			return -1, state, nil
		}
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// isTransientSpawn distinguishes retryable start failures (resource
// exhaustion, text file busy) from deterministic ones (missing binary).
func isTransientSpawn(err error) bool {
	if err == nil {
		return false
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return false // executable not found or not executable
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "no such file") || strings.Contains(text, "permission denied") {
		return false
	}
	return true
}

func reportsMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no report files found")
}

func hostMetadata() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		"hostname": host,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
}
