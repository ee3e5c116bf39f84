// Package llmprovider implements the remote LLM compute provider: it
// submits a single-prompt prediction to a remote inference API, polls
// for completion, and optionally enforces JSON-only output via prompt
// engineering plus response extraction.
package llmprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/types"
)

// dataPlaceholder is the literal token a grant's prompt template
// substitutes the decrypted file contents into.
const dataPlaceholder = "{{data}}"

// fileSeparator is appended once after the decrypted file contents in
// the substituted data.
const fileSeparator = "\n<sep>"

const jsonInstructionBlock = "\n\nRespond with a single JSON object only. " +
	"Do not include any explanation, markdown fences, or text outside the JSON object."

// RemoteClient is the external inference API surface this provider
// drives. A real deployment implements it against its chosen vendor;
// the vendor is deliberately not named here so it can be swapped.
type RemoteClient interface {
	Submit(ctx context.Context, prompt, modelVersion string) (remoteID string, err error)
	Poll(ctx context.Context, remoteID string) (RemoteState, error)
	Cancel(ctx context.Context, remoteID string) (bool, error)
}

// RemoteState is one poll of the remote service.
type RemoteState struct {
	Status string // starting | processing | succeeded | failed | canceled
	Output string
	Error  string
}

// Provider is the remote-LLM compute provider. Dispatch itself holds
// no per-operation state beyond the responseFormat and remote-id maps,
// which must be shared across Get/Cancel calls for the same operation
// id — so the registry hands out one shared instance rather than a
// fresh one per call.
type Provider struct {
	client         RemoteClient
	modelVersion   string
	maxPromptBytes int

	mu              sync.Mutex
	responseFormats map[string]string // operation id -> "json_object"|"text"
	remoteIDs       map[string]string // operation id -> remote id
}

// New creates a Provider driving client, truncating substituted data
// to stay within maxPromptBytes.
func New(client RemoteClient, modelVersion string, maxPromptBytes int) *Provider {
	if maxPromptBytes <= 0 {
		maxPromptBytes = 32 * 1024
	}
	return &Provider{
		client:          client,
		modelVersion:    modelVersion,
		maxPromptBytes:  maxPromptBytes,
		responseFormats: make(map[string]string),
		remoteIDs:       make(map[string]string),
	}
}

// Dispatch builds the prompt from grant.Parameters["prompt"], substitutes
// the decrypted payload for {{data}}, optionally appends the strict
// JSON instruction block, and submits it to the remote client.
func (p *Provider) Dispatch(ctx context.Context, opCtx types.OperationContext, grant *types.Grant, payload []byte) (types.DispatchResult, error) {
	prompt := buildPrompt(grant.Prompt(), payload, p.maxPromptBytes)

	format := ""
	if rf := grant.ResponseFormatOrNil(); rf != nil && rf.Type == "json_object" {
		format = "json_object"
		prompt += jsonInstructionBlock
	}

	remoteID, err := p.client.Submit(ctx, prompt, p.modelVersion)
	if err != nil {
		return types.DispatchResult{}, apperrors.New(apperrors.KindCompute, "remote LLM submission failed", err)
	}

	opID := opCtx.OperationID
	if opID == "" {
		opID = fmt.Sprintf("remote-llm_%d", time.Now().UnixMilli())
	}

	p.mu.Lock()
	if format != "" {
		p.responseFormats[opID] = format
	}
	p.remoteIDs[opID] = remoteID
	p.mu.Unlock()

	opLogger := log.WithOperation(opID)
	opLogger.Info().Str("remote_id", remoteID).Msg("submitted remote LLM prediction")

	return types.DispatchResult{ID: opID, CreatedAt: time.Now()}, nil
}

// buildPrompt substitutes dataPlaceholder with the joined file
// contents, truncating the data (not the template) to stay under
// maxBytes and annotating a truncation notice when it does.
func buildPrompt(template string, payload []byte, maxBytes int) string {
	data := string(payload)
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	data = data + fileSeparator
	if truncated {
		data += "\n[truncated: input exceeded the configured prompt size cap]"
	}
	if !strings.Contains(template, dataPlaceholder) {
		return template
	}
	return strings.Replace(template, dataPlaceholder, data, 1)
}

// Get polls the remote service and maps its state onto this system's
// statuses: starting/processing -> RUNNING, succeeded ->
// SUCCEEDED, failed -> FAILED, canceled -> CANCELLED. When the grant
// requested json_object output, the raw text is run through the JSON
// extraction rules before being returned as the structured result.
func (p *Provider) Get(ctx context.Context, operationID string) (*types.OperationView, error) {
	p.mu.Lock()
	remoteID, ok := p.remoteIDs[operationID]
	format := p.responseFormats[operationID]
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "unknown remote LLM operation", nil)
	}

	state, err := p.client.Poll(ctx, remoteID)
	if err != nil {
		return nil, apperrors.New(apperrors.KindCompute, "remote LLM poll failed", err)
	}

	view := &types.OperationView{ID: operationID}

	switch state.Status {
	case "starting", "processing":
		view.Status = types.StatusRunning
		return view, nil
	case "succeeded":
		view.Status = types.StatusSucceeded
		view.Result = p.renderResult(state.Output, format)
	case "failed":
		view.Status = types.StatusFailed
		view.Error = state.Error
	case "canceled":
		view.Status = types.StatusCancelled
	default:
		view.Status = types.StatusRunning
		return view, nil
	}

	p.clearFormat(operationID)
	return view, nil
}

func (p *Provider) renderResult(output, format string) any {
	if format != "json_object" {
		return output
	}
	obj, err := ExtractJSON(output)
	if err != nil {
		return map[string]any{
			"error":         "json_parse_failed",
			"error_message": err.Error(),
			"raw_response":  output,
		}
	}
	return obj
}

// clearFormat removes the format record once the operation reaches a
// terminal state ("removed on any terminal state").
func (p *Provider) clearFormat(operationID string) {
	p.mu.Lock()
	delete(p.responseFormats, operationID)
	p.mu.Unlock()
}

// Cancel issues the remote cancellation and reports whether it was
// accepted.
func (p *Provider) Cancel(ctx context.Context, operationID string) (bool, error) {
	p.mu.Lock()
	remoteID, ok := p.remoteIDs[operationID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	accepted, err := p.client.Cancel(ctx, remoteID)
	if err != nil {
		return false, apperrors.New(apperrors.KindCompute, "remote LLM cancel failed", err)
	}
	if accepted {
		p.clearFormat(operationID)
	}
	return accepted, nil
}
