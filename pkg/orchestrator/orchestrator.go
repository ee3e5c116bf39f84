// Package orchestrator drives the end-to-end operations pipeline:
// signature verification, on-chain permission/grantee resolution,
// grant file fetch and validation, per-file fetch/decrypt, and compute
// provider dispatch, followed by get/cancel routing back to whichever
// provider is serving an operation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/chain"
	"github.com/vana-com/personal-server/pkg/chainid"
	"github.com/vana-com/personal-server/pkg/eciesx"
	"github.com/vana-com/personal-server/pkg/fetch"
	"github.com/vana-com/personal-server/pkg/grant"
	"github.com/vana-com/personal-server/pkg/provider"
	"github.com/vana-com/personal-server/pkg/types"
)

// fileJoinSeparator interleaves multiple decrypted files' contents
// before substitution into a grant's prompt template.
const fileJoinSeparator = "\n<sep>\n"

// Orchestrator is the Operations Orchestrator: it has no state of its
// own beyond its collaborators, all of which are safe for concurrent
// use.
type Orchestrator struct {
	chain        *chain.Gateway
	fetcher      *fetch.Fetcher
	deriver      *chainid.Deriver
	registry     *provider.Registry
	maxFileBytes int64
	// mockAuth, when non-empty, is used as the recovered signer
	// instead of verifying a signature — a testing aid only.
	mockAuth string
}

// New creates an Orchestrator. mockAuth bypasses signature recovery
// when non-empty and must never be set in a production deployment.
func New(gateway *chain.Gateway, fetcher *fetch.Fetcher, deriver *chainid.Deriver, registry *provider.Registry, maxFileBytes int64, mockAuth string) *Orchestrator {
	return &Orchestrator{
		chain:        gateway,
		fetcher:      fetcher,
		deriver:      deriver,
		registry:     registry,
		maxFileBytes: maxFileBytes,
		mockAuth:     mockAuth,
	}
}

type createRequestBody struct {
	PermissionID json.Number `json:"permission_id"`
}

// Create runs the full operations pipeline and returns the provider's
// dispatch result, or the first error encountered. No task is created
// in the task store on any failure (the provider's Dispatch is the
// only place a task gets created).
func (o *Orchestrator) Create(ctx context.Context, requestJSON, signature []byte) (types.DispatchResult, error) {
	var body createRequestBody
	if err := json.Unmarshal(requestJSON, &body); err != nil {
		return types.DispatchResult{}, apperrors.New(apperrors.KindValidation, "request body is not valid JSON", err)
	}
	permissionID, ok := new(big.Int).SetString(body.PermissionID.String(), 10)
	if !ok || permissionID.Sign() <= 0 {
		return types.DispatchResult{}, apperrors.New(apperrors.KindValidation, "permission_id must be a positive integer", nil)
	}

	signer, err := o.resolveSigner(requestJSON, signature)
	if err != nil {
		return types.DispatchResult{}, err
	}

	permission, err := o.chain.FetchPermission(ctx, permissionID)
	if err != nil {
		return types.DispatchResult{}, err
	}
	if len(permission.FileIDs) == 0 {
		return types.DispatchResult{}, apperrors.New(apperrors.KindValidation, "permission has no associated files", nil)
	}

	grantee, err := o.chain.FetchGrantee(ctx, permission.GranteeID)
	if err != nil {
		return types.DispatchResult{}, err
	}
	if !strings.EqualFold(signer, grantee.GranteeAddress) {
		return types.DispatchResult{}, apperrors.New(apperrors.KindAuthentication, "signer does not match the permission's grantee", nil)
	}

	grantBytes, err := o.fetcher.Fetch(ctx, permission.Grant, o.maxFileBytes)
	if err != nil {
		return types.DispatchResult{}, err
	}
	g, err := grant.Validate(grantBytes, grantee.GranteeAddress, time.Now())
	if err != nil {
		return types.DispatchResult{}, err
	}

	identity, err := o.deriver.Derive(permission.Grantor)
	if err != nil {
		return types.DispatchResult{}, err
	}

	payload, err := o.fetchAndDecryptFiles(ctx, permission.FileIDs, identity)
	if err != nil {
		return types.DispatchResult{}, err
	}

	p, err := o.registry.GetOrDefault(g.Operation)
	if err != nil {
		return types.DispatchResult{}, err
	}

	opCtx := types.OperationContext{
		Grantor:      permission.Grantor,
		Grantee:      grantee.GranteeAddress,
		PermissionID: permissionID,
	}
	return p.Dispatch(ctx, opCtx, g, payload)
}

// resolveSigner recovers the request signer, or substitutes the
// configured mock address when mock auth is enabled.
func (o *Orchestrator) resolveSigner(requestJSON, signature []byte) (string, error) {
	if o.mockAuth != "" {
		return o.mockAuth, nil
	}
	addr, err := RecoverSigner(requestJSON, signature)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// fetchAndDecryptFiles resolves, fetches, and two-layer-decrypts each
// file id in declared order, aborting on the first failure: a partial
// failure aborts the whole call rather than returning partial data.
func (o *Orchestrator) fetchAndDecryptFiles(ctx context.Context, fileIDs []*big.Int, identity *chainid.Identity) ([]byte, error) {
	contents := make([][]byte, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		record, err := o.chain.FetchFile(ctx, fileID)
		if err != nil {
			return nil, err
		}
		sealedKeyHex, err := o.chain.FetchFileKey(ctx, fileID, identity.Address)
		if err != nil {
			return nil, err
		}

		encrypted, err := o.fetcher.Fetch(ctx, record.StorageURL, o.maxFileBytes)
		if err != nil {
			return nil, err
		}

		payloadKey, err := eciesx.DecryptEnvelope(sealedKeyHex, identity.PrivateKey)
		if err != nil {
			return nil, err
		}
		plaintext, err := eciesx.DecryptPayload(encrypted, payloadKey)
		for i := range payloadKey {
			payloadKey[i] = 0
		}
		if err != nil {
			return nil, err
		}
		contents = append(contents, plaintext)
	}

	if len(contents) == 1 {
		return contents[0], nil
	}

	joined := make([]byte, 0)
	for i, c := range contents {
		if i > 0 {
			joined = append(joined, []byte(fileJoinSeparator)...)
		}
		joined = append(joined, c...)
	}
	return joined, nil
}

// Get resolves id to its serving provider and renders the current
// view.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.OperationView, error) {
	p, err := o.resolveProvider(id)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// Cancel resolves id to its serving provider and best-effort cancels
// it.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	p, err := o.resolveProvider(id)
	if err != nil {
		return false, err
	}
	return p.Cancel(ctx, id)
}

// resolveProvider routes an id shaped like an agent provider's own
// (`<agentkind>_<millis>`) to that agent operation; anything else
// falls back to the default (remote-LLM) provider.
func (o *Orchestrator) resolveProvider(id string) (provider.Provider, error) {
	if kind, ok := provider.KindFromOperationID(id); ok {
		if p, ok := o.registry.Get(fmt.Sprintf("agent-%s", kind)); ok {
			return p, nil
		}
	}
	return o.registry.GetOrDefault("")
}
