// Package provider maps an operation name to the compute provider that
// serves it: a name->constructor registry with stateless-vs-singleton
// dispatch, a default fallback, and a helper that recovers a provider
// name from an agent-provider-originated operation id.
package provider

import (
	"context"
	"regexp"
	"sync"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/types"
)

// Provider is the common dispatch surface the orchestrator drives,
// implemented by both the remote-LLM provider and agent providers: a
// small interface with just the three methods providers actually
// need.
type Provider interface {
	// Dispatch submits operation for the given context and grant
	// against decrypted input payload. It returns as soon as
	// submission is accepted; agent dispatch continues in the
	// background.
	Dispatch(ctx context.Context, opCtx types.OperationContext, grant *types.Grant, payload []byte) (types.DispatchResult, error)
	// Get renders the current client-visible view of operationID.
	Get(ctx context.Context, operationID string) (*types.OperationView, error)
	// Cancel best-effort cancels operationID, returning whether a
	// cancellation was actually accepted.
	Cancel(ctx context.Context, operationID string) (bool, error)
}

// Constructor builds a fresh Provider instance.
type Constructor func() Provider

type registration struct {
	ctor      Constructor
	singleton bool
}

// Registry maps operation names to providers. Stateless providers get
// a new instance per dispatch; singleton providers (agents, and the
// remote-LLM provider with its per-operation maps) share one instance
// across dispatches so they can hold long-lived state.
type Registry struct {
	mu        sync.Mutex
	regs      map[string]*registration
	instances map[string]Provider
	defaultOp string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		regs:      make(map[string]*registration),
		instances: make(map[string]Provider),
	}
}

// Register associates operation with ctor. singleton controls whether
// the registry caches one shared instance or builds a fresh one per
// Get call.
func (r *Registry) Register(operation string, ctor Constructor, singleton bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[operation] = &registration{ctor: ctor, singleton: singleton}
}

// SetDefault designates operation as the fallback used by
// GetOrDefault when an unrecognized operation is requested.
func (r *Registry) SetDefault(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultOp = operation
}

// Get returns the provider for operation, or false if unregistered.
func (r *Registry) Get(operation string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(operation)
}

func (r *Registry) getLocked(operation string) (Provider, bool) {
	reg, ok := r.regs[operation]
	if !ok {
		return nil, false
	}
	if !reg.singleton {
		return reg.ctor(), true
	}
	if inst, ok := r.instances[operation]; ok {
		return inst, true
	}
	inst := reg.ctor()
	r.instances[operation] = inst
	return inst, true
}

// GetOrDefault returns the provider for operation, falling back to the
// registered default operation if operation is unrecognized. Returns
// an error if neither operation nor a default is registered.
func (r *Registry) GetOrDefault(operation string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.getLocked(operation); ok {
		return p, nil
	}
	if r.defaultOp != "" {
		if p, ok := r.getLocked(r.defaultOp); ok {
			return p, nil
		}
	}
	return nil, apperrors.New(apperrors.KindValidation, "unsupported operation: "+operation, nil)
}

// SupportsOperation reports whether operation has a registered provider.
func (r *Registry) SupportsOperation(operation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[operation]
	return ok
}

// agentOpIDPattern matches the "<agentkind>_<millis>" shape an agent
// provider mints for its operation ids (e.g. "qwen_1712000000000").
var agentOpIDPattern = regexp.MustCompile(`^([a-z0-9-]+)_(\d+)$`)

// KindFromOperationID recovers the agent-kind prefix from an
// agent-provider-originated operation id. Prefix routing applies only
// to ids shaped like an agent provider's own; anything else stays with
// registry dispatch.
func KindFromOperationID(id string) (string, bool) {
	m := agentOpIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}
