package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/metrics"
)

// containerNamespace is the containerd namespace agent sandboxes run
// under: a fixed per-service namespace, since there is only ever one
// tenant (this host's personal server).
const containerNamespace = "personalserver-agents"

// ContainerRuntime executes agent CLIs inside a freshly created
// containerd container: network isolated by default, non-root user,
// read-write bind of an ephemeral workspace, and memory/CPU/timeout
// caps.
type ContainerRuntime struct {
	client        *containerd.Client
	image         string
	uid           uint32
	memLimitBytes int64
	cpuQuota      float64
	workspaceRoot string
	timeout       time.Duration
	stdoutCap     int64
}

// ContainerRuntimeConfig configures a ContainerRuntime.
type ContainerRuntimeConfig struct {
	SocketPath    string
	Image         string
	UID           uint32
	MemLimitBytes int64
	CPUQuota      float64 // cores, e.g. 1.5
	WorkspaceRoot string
	Timeout       time.Duration
	StdoutCap     int64
}

// NewContainerRuntime dials containerd at cfg.SocketPath (default
// /run/containerd/containerd.sock).
func NewContainerRuntime(cfg ContainerRuntimeConfig) (*ContainerRuntime, error) {
	socket := cfg.SocketPath
	if socket == "" {
		socket = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socket)
	if err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to connect to containerd", err)
	}
	if cfg.UID == 0 {
		cfg.UID = 1000
	}
	return &ContainerRuntime{
		client:        client,
		image:         cfg.Image,
		uid:           cfg.UID,
		memLimitBytes: cfg.MemLimitBytes,
		cpuQuota:      cfg.CPUQuota,
		workspaceRoot: cfg.WorkspaceRoot,
		timeout:       cfg.Timeout,
		stdoutCap:     cfg.StdoutCap,
	}, nil
}

// Close releases the containerd client connection.
func (r *ContainerRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

type containerHandle struct {
	ctx       context.Context
	container containerd.Container
	task      containerd.Task
}

func (h *containerHandle) Cancel() error {
	killCtx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()
	return h.task.Kill(killCtx, 9) // SIGKILL
}

// Execute runs req inside a fresh container built from r.image.
func (r *ContainerRuntime) Execute(ctx context.Context, req ExecuteRequest, sink LogSink, onHandle OnHandle) (*Result, error) {
	ctx = namespaces.WithNamespace(ctx, containerNamespace)

	workspace, err := newWorkspace(r.workspaceRoot)
	if err != nil {
		return nil, err
	}
	defer removeWorkspace(workspace)

	if err := stageFiles(workspace, req.WorkspaceFiles); err != nil {
		return nil, err
	}

	image, err := r.client.GetImage(ctx, r.image)
	if err != nil {
		image, err = r.client.Pull(ctx, r.image, containerd.WithPullUnpack)
		if err != nil {
			return nil, apperrors.New(apperrors.KindSandbox, "failed to pull agent image", err)
		}
	}

	containerID := "agent-" + req.OperationID
	opts := r.specOpts(req, workspace, image)

	ctr, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to create agent container", err)
	}
	defer func() {
		_ = ctr.Delete(context.Background(), containerd.WithSnapshotCleanup)
	}()

	var stdin io.Reader
	if req.StdinInput != nil {
		stdin = bytes.NewReader(req.StdinInput)
	} else {
		stdin = bytes.NewReader(nil)
	}

	// Logs stream through a pipe so the scanner appends lines to the
	// task store while the agent is still running, not after exit.
	logReader, logWriter := io.Pipe()
	defer func() { _ = logWriter.Close() }()
	scanner := newLogScanner(sink, req.OperationID, r.stdoutCap)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner.scan(logReader)
		// Sentinel trailing window exhausted: drain so the container's
		// remaining writes don't block on a full pipe.
		_, _ = io.Copy(io.Discard, logReader)
	}()

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdin, logWriter, logWriter)))
	if err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to create agent task", err)
	}
	defer func() { _, _ = task.Delete(context.Background()) }()

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to wait on agent task", err)
	}

	start := time.Now()
	if err := task.Start(ctx); err != nil {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to start agent task", err)
	}

	handle := &containerHandle{ctx: context.Background(), container: ctr, task: task}
	if onHandle != nil {
		onHandle(handle)
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	timedOut := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var exitStatus containerd.ExitStatus
	select {
	case exitStatus = <-exitCh:
	case <-timer.C:
		timedOut = true
		_ = handle.Cancel()
		exitStatus = <-exitCh
	case <-ctx.Done():
		_ = handle.Cancel()
		exitStatus = <-exitCh
	}
	elapsed := time.Since(start)

	_ = logWriter.Close()
	<-scanDone

	var waitErr error
	code, _, _ := exitStatus.Result()
	if code != 0 {
		waitErr = fmt.Errorf("agent container exited with code %d", code)
	}

	metrics.SandboxExecutionsTotal.WithLabelValues("container", string(statusFromErr(waitErr, timedOut))).Inc()
	metrics.SandboxExecutionDuration.WithLabelValues("container").Observe(elapsed.Seconds())

	result, err := buildResult(workspace, scanner, waitErr, timedOut, elapsed, secretValues(req.EnvVars))
	if err != nil {
		return nil, err
	}
	result.ReturnCode = int(code)
	return result, nil
}

func statusFromErr(err error, timedOut bool) Status {
	if timedOut || err != nil {
		return StatusError
	}
	return StatusOK
}

func secretValues(env map[string]string) []string {
	vals := make([]string, 0, len(env))
	for _, v := range env {
		vals = append(vals, v)
	}
	return vals
}

// specOpts builds the OCI spec options for an agent container: no
// network attachment (RequiresNetwork is not consulted), a non-root
// uid, workspace + home read-write binds, memory/CPU caps, and a
// scrubbed environment.
func (r *ContainerRuntime) specOpts(req ExecuteRequest, workspace string, image containerd.Image) []oci.SpecOpts {
	env := []string{"HOME=/home/agent", "PATH=/usr/local/bin:/usr/bin:/bin"}
	for k, v := range req.EnvVars {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithUIDGID(r.uid, r.uid),
		oci.WithProcessCwd("/workspace"),
		oci.WithMounts([]specs.Mount{
			{Source: workspace, Destination: "/workspace", Type: "bind", Options: []string{"rbind", "rw"}},
			{Source: workspace + "/home", Destination: "/home/agent", Type: "bind", Options: []string{"rbind", "rw"}},
		}),
	}

	// A container gets its own fresh, unconfigured network namespace by
	// default (no CNI attachment happens here), which already satisfies
	// "network mode = none". The same holds when the request sets
	// RequiresNetwork: no bridged or CNI network is attached here.

	if r.memLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(r.memLimitBytes)))
	}
	if r.cpuQuota > 0 {
		shares := uint64(r.cpuQuota * 1024)
		quota := int64(r.cpuQuota * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}

	args := append([]string{req.Cmd}, req.Args...)
	opts = append(opts, oci.WithProcessArgs(args...))

	log.Logger.Debug().Str("image", r.image).Str("uid", strconv.Itoa(int(r.uid))).Msg("building agent container spec")
	return opts
}
