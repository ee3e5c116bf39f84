// Package agentprovider implements one compute provider per sandboxed
// agent kind: "qwen" and "gemini" currently. Each builds a
// workspace and prompt from a grant's goal, dispatches to a sandbox
// runtime, and on completion stores produced artifacts and records the
// result through the task store.
package agentprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/artifacts"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/sandbox"
	"github.com/vana-com/personal-server/pkg/taskstore"
	"github.com/vana-com/personal-server/pkg/types"
)

// Completion sentinel and result-line shape live in pkg/sandbox since
// both runtimes enforce them.

// Config configures one agent kind's CLI invocation.
type Config struct {
	// Kind names the agent (e.g. "qwen", "gemini"); also the prefix of
	// operation ids this provider mints.
	Kind string
	Cmd  string
	Args []string
	// EnvOverrides are handed to the sandbox runtime's environment and
	// also used for output redaction.
	EnvOverrides map[string]string
	// RequiresNetwork is passed through to the sandbox request; the
	// sandbox runtimes do not act on it, so no bridged network is set
	// up.
	RequiresNetwork bool
}

// Provider is a singleton compute provider for one agent kind: agent
// providers are stateful, since they close over the task store and
// sandbox runtime.
type Provider struct {
	cfg     Config
	runtime sandbox.Runtime
	tasks   *taskstore.Store
	store   *artifacts.Store
}

// New creates a Provider for one agent kind.
func New(cfg Config, runtime sandbox.Runtime, tasks *taskstore.Store, store *artifacts.Store) *Provider {
	return &Provider{cfg: cfg, runtime: runtime, tasks: tasks, store: store}
}

// Dispatch builds the workspace and prompt from grant.Goal(), creates
// the task record, and starts the sandbox runtime in the background
// ("create returns as soon as the task record exists").
func (p *Provider) Dispatch(ctx context.Context, opCtx types.OperationContext, grant *types.Grant, payload []byte) (types.DispatchResult, error) {
	goal := grant.Goal()
	if goal == "" {
		return types.DispatchResult{}, apperrors.New(apperrors.KindValidation, "agent operation requires a goal parameter", nil)
	}

	opID := opCtx.OperationID
	if opID == "" {
		opID = fmt.Sprintf("%s_%d", p.cfg.Kind, time.Now().UnixMilli())
	}

	files := prepareFiles(splitPayload(payload))
	prompt := buildPrompt(goal, files)

	createdAt := time.Now()
	p.tasks.Create(opID)

	background := context.WithoutCancel(ctx)
	go p.runAgent(background, opID, opCtx, prompt, files)

	return types.DispatchResult{ID: opID, CreatedAt: createdAt}, nil
}

// splitPayload treats the orchestrator's single decrypted byte stream
// as one file: the orchestrator already concatenates a multi-file
// grant's contents in declared order, so a multi-file grant arrives
// here as a single payload too.
func splitPayload(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	return [][]byte{payload}
}

// prepareFiles assigns each decrypted file a descriptive filename
// based on a content heuristic, falling back to a generic name.
func prepareFiles(contents [][]byte) map[string][]byte {
	files := make(map[string][]byte, len(contents))
	for i, content := range contents {
		files[nameWorkspaceFile(i, content)] = content
	}
	return files
}

// nameWorkspaceFile inspects content for simple chat-log or known
// export markers, falling back to a generic "user_data_NN" name.
func nameWorkspaceFile(index int, content []byte) string {
	lower := strings.ToLower(string(content))
	switch {
	case strings.Contains(lower, "chatgpt") || strings.Contains(lower, `"role":`) || strings.Contains(lower, `"messages":`):
		return fmt.Sprintf("chatgpt_conversations_%02d.txt", index)
	case strings.Contains(lower, "spotify"):
		return fmt.Sprintf("spotify_data_%02d.json", index)
	case strings.Contains(lower, "linkedin"):
		return fmt.Sprintf("linkedin_profile_%02d.json", index)
	default:
		return fmt.Sprintf("user_data_%02d.txt", index)
	}
}

// buildPrompt composes the agent instructions from goal, listing
// available filenames and sizes, per the agent contract.
func buildPrompt(goal string, files map[string][]byte) string {
	var list strings.Builder
	for name, content := range files {
		fmt.Fprintf(&list, "  - %s (%.1fKB)\n", name, float64(len(content))/1024)
	}

	return fmt.Sprintf(
		"You are running in a headless, single-shot batch mode. Work only inside the current directory.\n\n"+
			"AVAILABLE DATA FILES:\n%s\n"+
			"IMPORTANT: Read and analyze the available data files to complete your task.\n"+
			"Generate output files in ./out/ directory.\n\n"+
			"CONSTRAINTS:\n"+
			"- No follow-up questions. Assume sensible defaults.\n"+
			"- Create ./out/ directory if needed.\n"+
			"- Save work products to ./out/.\n"+
			"- At completion, print exactly one JSON line describing results:\n"+
			`  {"status":"ok|error","summary":"<one line>","artifacts":["./out/..."]}`+"\n"+
			"- Then print exactly: "+sandbox.Sentinel+"\n\n"+
			"GOAL:\n%s\n",
		list.String(), goal,
	)
}

// runAgent drives one agent execution to completion, recording status
// transitions and artifacts through the task store.
func (p *Provider) runAgent(ctx context.Context, opID string, opCtx types.OperationContext, prompt string, files map[string][]byte) {
	logger := log.WithOperation(opID)

	req := sandbox.ExecuteRequest{
		AgentKind:       p.cfg.Kind,
		Cmd:             p.cfg.Cmd,
		Args:            append(append([]string{}, p.cfg.Args...), prompt),
		WorkspaceFiles:  files,
		EnvVars:         p.cfg.EnvOverrides,
		OperationID:     opID,
		RequiresNetwork: p.cfg.RequiresNetwork,
	}

	p.tasks.UpdateStatus(opID, types.StatusRunning, nil, nil)

	result, err := p.runtime.Execute(ctx, req, p.tasks, func(handle types.CancellationHandle) {
		p.tasks.SetHandle(opID, handle)
	})
	if err != nil {
		logger.Error().Err(err).Msg("sandbox execution failed")
		p.tasks.UpdateStatus(opID, types.StatusFailed, nil, err)
		return
	}

	if result.Status != sandbox.StatusOK {
		// Artifacts already produced by a failed run are discarded, not
		// stored.
		p.tasks.UpdateStatus(opID, types.StatusFailed, nil, apperrors.New(apperrors.KindCompute, result.Summary, nil))
		return
	}

	var artifactMeta []artifacts.ArtifactMeta
	if len(result.Artifacts) > 0 {
		meta, err := p.store.StoreArtifacts(opID, opCtx.Grantor, opCtx.Grantee, result.Artifacts)
		if err != nil {
			logger.Error().Err(err).Msg("failed to persist agent artifacts")
			p.tasks.UpdateStatus(opID, types.StatusFailed, nil, err)
			return
		}
		artifactMeta = meta.Artifacts
	}

	final := map[string]any{
		"status":    string(result.Status),
		"summary":   result.Summary,
		"result":    result.StructuredResult,
		"artifacts": artifactMeta,
	}
	p.tasks.UpdateStatus(opID, types.StatusSucceeded, final, nil)
}

// Get renders the current task-store record as a client-visible view.
func (p *Provider) Get(ctx context.Context, operationID string) (*types.OperationView, error) {
	t := p.tasks.Get(operationID)
	if t == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "unknown agent operation", nil)
	}

	view := &types.OperationView{ID: operationID, Status: t.Status, Result: t.Result}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		view.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		finished := t.CompletedAt
		view.FinishedAt = &finished
	}
	if t.Err != nil {
		view.Error = t.Err.Error()
	}
	return view, nil
}

// Cancel delegates to the task store.
func (p *Provider) Cancel(ctx context.Context, operationID string) (bool, error) {
	return p.tasks.Cancel(operationID), nil
}
