package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/metrics"
)

// fsizeLimitBytes bounds a single write via RLIMIT_FSIZE; the agent's
// own workspace quota is enforced this way rather than a filesystem
// quota.
const fsizeLimitBytes = 512 * 1024 * 1024

// ProcessRuntime executes agent CLIs as plain OS processes, isolated
// by a disjoint workspace directory, RLIMIT_FSIZE, a dedicated process
// group (for clean group-kill), a minimized environment, and a
// per-instance concurrency semaphore.
type ProcessRuntime struct {
	workspaceRoot string
	timeout       time.Duration
	stdoutCap     int64
	sem           chan struct{}
}

// NewProcessRuntime creates a ProcessRuntime rooted at workspaceRoot,
// bounding wall-clock execution at timeout, truncating buffered stdout
// at stdoutCap bytes, and admitting at most maxConcurrent agents at a
// time.
func NewProcessRuntime(workspaceRoot string, timeout time.Duration, stdoutCap int64, maxConcurrent int) *ProcessRuntime {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &ProcessRuntime{
		workspaceRoot: workspaceRoot,
		timeout:       timeout,
		stdoutCap:     stdoutCap,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// processHandle kills the process group on Cancel.
type processHandle struct {
	pid int32
}

func (h *processHandle) Cancel() error {
	pid := int(atomic.LoadInt32(&h.pid))
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Execute runs req as a plain process under a fresh workspace.
func (r *ProcessRuntime) Execute(ctx context.Context, req ExecuteRequest, sink LogSink, onHandle OnHandle) (*Result, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.New(apperrors.KindSandbox, "sandbox concurrency wait cancelled", ctx.Err())
	}
	metrics.SandboxConcurrentAgents.Inc()
	defer func() {
		<-r.sem
		metrics.SandboxConcurrentAgents.Dec()
	}()

	workspace, err := newWorkspace(r.workspaceRoot)
	if err != nil {
		return nil, err
	}
	defer removeWorkspace(workspace)

	if err := stageFiles(workspace, req.WorkspaceFiles); err != nil {
		return nil, err
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(execCtx, req.Cmd, req.Args...)
	cmd.Dir = workspace
	cmd.Env = minimalEnv(req.EnvVars, filepath.Join(workspace, "home"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On timeout or cancellation, kill the whole process group so agent
	// children can't outlive the run or hold the stdout pipe open.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = 5 * time.Second

	if req.StdinInput != nil {
		cmd.Stdin = bytes.NewReader(req.StdinInput)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to open agent stdout", err)
	}
	cmd.Stderr = cmd.Stdout

	applyFsizeLimit()
	if err := cmd.Start(); err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to start agent process", err)
	}

	handle := &processHandle{pid: int32(cmd.Process.Pid)}
	if onHandle != nil {
		onHandle(handle)
	}

	scanner := newLogScanner(sink, req.OperationID, r.stdoutCap)
	scanner.scan(stdoutPipe)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	timedOut := execCtx.Err() == context.DeadlineExceeded
	if timedOut {
		_ = handle.Cancel()
	}

	metrics.SandboxExecutionsTotal.WithLabelValues("process", string(statusFromErr(waitErr, timedOut))).Inc()
	metrics.SandboxExecutionDuration.WithLabelValues("process").Observe(elapsed.Seconds())

	return buildResult(workspace, scanner, waitErr, timedOut, elapsed, secretValues(req.EnvVars))
}

// minimalEnv builds a scrubbed environment: no inherited credentials
// beyond the agent's explicit overrides, plus a private HOME.
func minimalEnv(overrides map[string]string, home string) []string {
	env := []string{
		"HOME=" + home,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// applyFsizeLimit caps this process's own RLIMIT_FSIZE soft limit.
// Rlimits are inherited at fork, and Go's os/exec has no per-child
// rlimit hook, so the cap must be in place on the runtime's own
// process before the agent child is started.
func applyFsizeLimit() {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_FSIZE, &rlimit); err != nil {
		return
	}
	var rlimInfinitySigned int64 = syscall.RLIM_INFINITY
	rlimInfinity := uint64(rlimInfinitySigned)
	if rlimit.Cur == rlimInfinity || rlimit.Cur > fsizeLimitBytes {
		rlimit.Cur = fsizeLimitBytes
		if rlimit.Max != rlimInfinity && rlimit.Max < rlimit.Cur {
			rlimit.Cur = rlimit.Max
		}
		_ = syscall.Setrlimit(syscall.RLIMIT_FSIZE, &rlimit)
	}
}

// buildResult assembles the common Result shape from a scanner's
// buffered output and the process/container outcome, shared by both
// runtimes.
func buildResult(workspace string, scanner *logScanner, runErr error, timedOut bool, elapsed time.Duration, knownSecrets []string) (*Result, error) {
	returnCode := 0
	var exitErr *exec.ExitError
	if runErr != nil {
		if errors.As(runErr, &exitErr) {
			returnCode = exitErr.ExitCode()
		} else {
			returnCode = -1
		}
	}

	artifacts, err := collectArtifacts(workspace)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to collect sandbox artifacts")
		artifacts = nil
	}

	parsed, hasResult := parseResult(scanner.lines)

	status := StatusOK
	var summary string
	switch {
	case timedOut:
		status = StatusError
		summary = "agent execution timed out"
	case hasResult:
		if s, _ := parsed["status"].(string); s == "error" {
			status = StatusError
		} else if !scanner.sentinelSeen {
			status = StatusWarning
		}
		if s, _ := parsed["summary"].(string); s != "" {
			summary = s
		}
	case scanner.sentinelSeen:
		status = StatusWarning
		summary = "agent signalled completion without a parseable result line"
	case returnCode != 0:
		status = StatusError
		summary = "agent exited with a non-zero status and no evidence of completion"
	default:
		status = StatusWarning
		summary = "agent exited without signalling completion"
	}

	excerpt := redactSecrets(stdoutExcerpt(scanner.lines), knownSecrets)

	return &Result{
		Status:           status,
		Summary:          summary,
		StructuredResult: parsed,
		Artifacts:        artifacts,
		Logs:             scanner.lines,
		StdoutExcerpt:    excerpt,
		ReturnCode:       returnCode,
		ExecutionTime:    elapsed,
	}, nil
}
