// Package sandbox runs untrusted agent CLIs under resource, filesystem,
// and (optionally) network isolation. Two interchangeable
// runtimes are provided: ContainerRuntime (containerd) and
// ProcessRuntime (rlimits + process groups); both implement Runtime
// and share the log-streaming sentinel scan and artifact collection in
// this package.
package sandbox

import (
	"context"
	"time"

	"github.com/vana-com/personal-server/pkg/types"
)

// Sentinel is the fixed token an agent prints after its single JSON
// result line to signal completion.
const Sentinel = "__AGENT_DONE__"

// Status is the sandbox's own assessment of how an agent run concluded,
// distinct from the Operation status the caller derives from it.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Artifact is a file found anywhere under the workspace's out/
// directory (subdirectories included) after the agent exits.
type Artifact struct {
	Name         string
	RelativePath string
	Bytes        []byte
	Size         int64
}

// Result is the outcome contract both runtimes return.
type Result struct {
	Status           Status
	Summary          string
	StructuredResult map[string]any
	Artifacts        []Artifact
	Logs             []string
	StdoutExcerpt    string
	ReturnCode       int
	ExecutionTime    time.Duration
}

// ExecuteRequest describes one agent invocation.
type ExecuteRequest struct {
	// AgentKind names the agent CLI (e.g. "qwen", "gemini"), used for
	// log tagging and image/command selection.
	AgentKind string
	// Cmd and Args invoke the agent CLI inside the workspace.
	Cmd  string
	Args []string
	// WorkspaceFiles is staged into the workspace root before exec,
	// keyed by the filename the agent will see.
	WorkspaceFiles map[string][]byte
	EnvVars        map[string]string
	OperationID    string
	// StdinInput, if non-nil, is piped into the agent CLI's stdin.
	StdinInput []byte
	// RequiresNetwork records that the agent needs network access.
	// Neither runtime reads it: containers always get an unattached
	// network namespace, and the process runtime applies no network
	// isolation.
	RequiresNetwork bool
}

// LogSink receives streamed agent output lines as they arrive, so
// concurrent Get calls against the task store stay responsive while a
// long-running agent is still executing.
type LogSink interface {
	AppendLogs(id string, lines ...string) bool
}

// OnHandle is invoked as soon as a cancellation handle exists for the
// running agent (a process group or a container id), before Execute
// blocks on completion, so a caller that dispatched Execute in a
// goroutine can still register the handle with the task store for
// concurrent cancellation.
type OnHandle func(types.CancellationHandle)

// Runtime is the common surface of both sandbox implementations.
type Runtime interface {
	Execute(ctx context.Context, req ExecuteRequest, sink LogSink, onHandle OnHandle) (*Result, error)
}
