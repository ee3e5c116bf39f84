// Package chain provides read-only access to the three on-chain
// registries the personal server depends on: permissions, grantees,
// and files. All calls are view calls against a configured RPC
// endpoint; no transaction signing happens here.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/metrics"
	"github.com/vana-com/personal-server/pkg/types"
)

const permissionsABIJSON = `[
  {"name":"getPermission","type":"function","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"grantor","type":"address"},
     {"name":"nonce","type":"uint256"},
     {"name":"granteeId","type":"uint256"},
     {"name":"grant","type":"string"},
     {"name":"startBlock","type":"uint256"},
     {"name":"endBlock","type":"uint256"},
     {"name":"fileIds","type":"uint256[]"}
   ]}
]`

const granteesABIJSON = `[
  {"name":"getGrantee","type":"function","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"owner","type":"address"},
     {"name":"granteeAddress","type":"address"},
     {"name":"publicKey","type":"bytes"},
     {"name":"permissionIds","type":"uint256[]"}
   ]}
]`

const filesABIJSON = `[
  {"name":"getFile","type":"function","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"ownerAddress","type":"address"},
     {"name":"storageURL","type":"string"},
     {"name":"addedAtBlock","type":"uint256"}
   ]},
  {"name":"getFileKey","type":"function","stateMutability":"view",
   "inputs":[
     {"name":"fileId","type":"uint256"},
     {"name":"serverAddress","type":"address"}
   ],
   "outputs":[{"name":"encryptedKey","type":"bytes"}]}
]`

// Addresses configures the deployed contract address for each registry.
type Addresses struct {
	Permissions common.Address
	Grantees    common.Address
	Files       common.Address
}

// Gateway wraps read-only bound contracts for the three registries.
type Gateway struct {
	client      *ethclient.Client
	permissions *bind.BoundContract
	grantees    *bind.BoundContract
	files       *bind.BoundContract
}

// Dial connects to rpcURL and binds the three registries at addrs.
func Dial(ctx context.Context, rpcURL string, addrs Addresses) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperrors.New(apperrors.KindChain, "failed to connect to chain endpoint", err)
	}

	permissionsABI, err := abi.JSON(strings.NewReader(permissionsABIJSON))
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "invalid permissions ABI", err)
	}
	granteesABI, err := abi.JSON(strings.NewReader(granteesABIJSON))
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "invalid grantees ABI", err)
	}
	filesABI, err := abi.JSON(strings.NewReader(filesABIJSON))
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "invalid files ABI", err)
	}

	return &Gateway{
		client:      client,
		permissions: bind.NewBoundContract(addrs.Permissions, permissionsABI, client, nil, nil),
		grantees:    bind.NewBoundContract(addrs.Grantees, granteesABI, client, nil, nil),
		files:       bind.NewBoundContract(addrs.Files, filesABI, client, nil, nil),
	}, nil
}

// FetchPermission retrieves the on-chain permission record for id.
func (g *Gateway) FetchPermission(ctx context.Context, id *big.Int) (*types.Permission, error) {
	var out []interface{}
	err := g.permissions.Call(&bind.CallOpts{Context: ctx}, &out, "getPermission", id)
	recordCall("permissions", err)
	if err != nil {
		return nil, classifyCallErr(err, "permission")
	}
	if len(out) != 7 {
		return nil, apperrors.New(apperrors.KindChain, "malformed permission response", nil)
	}

	return &types.Permission{
		ID:         id,
		Grantor:    out[0].(common.Address).Hex(),
		Nonce:      out[1].(*big.Int),
		GranteeID:  out[2].(*big.Int),
		Grant:      out[3].(string),
		StartBlock: out[4].(*big.Int),
		EndBlock:   out[5].(*big.Int),
		FileIDs:    out[6].([]*big.Int),
	}, nil
}

// FetchGrantee retrieves the on-chain grantee registry entry for id.
func (g *Gateway) FetchGrantee(ctx context.Context, id *big.Int) (*types.GranteeRecord, error) {
	var out []interface{}
	err := g.grantees.Call(&bind.CallOpts{Context: ctx}, &out, "getGrantee", id)
	recordCall("grantees", err)
	if err != nil {
		return nil, classifyCallErr(err, "grantee")
	}
	if len(out) != 4 {
		return nil, apperrors.New(apperrors.KindChain, "malformed grantee response", nil)
	}

	return &types.GranteeRecord{
		ID:             id,
		Owner:          out[0].(common.Address).Hex(),
		GranteeAddress: out[1].(common.Address).Hex(),
		PublicKey:      out[2].([]byte),
		PermissionIDs:  out[3].([]*big.Int),
	}, nil
}

// FetchFile retrieves the on-chain file registry entry for id.
func (g *Gateway) FetchFile(ctx context.Context, id *big.Int) (*types.FileRecord, error) {
	var out []interface{}
	err := g.files.Call(&bind.CallOpts{Context: ctx}, &out, "getFile", id)
	recordCall("files", err)
	if err != nil {
		return nil, classifyCallErr(err, "file")
	}
	if len(out) != 3 {
		return nil, apperrors.New(apperrors.KindChain, "malformed file response", nil)
	}

	return &types.FileRecord{
		ID:           id,
		OwnerAddress: out[0].(common.Address).Hex(),
		StorageURL:   out[1].(string),
		AddedAtBlock: out[2].(*big.Int),
	}, nil
}

// FetchFileKey retrieves the hex-encoded, server-sealed symmetric key
// for (fileID, serverAddress).
func (g *Gateway) FetchFileKey(ctx context.Context, fileID *big.Int, serverAddress common.Address) (string, error) {
	var out []interface{}
	err := g.files.Call(&bind.CallOpts{Context: ctx}, &out, "getFileKey", fileID, serverAddress)
	recordCall("files", err)
	if err != nil {
		return "", classifyCallErr(err, "file key")
	}
	if len(out) != 1 {
		return "", apperrors.New(apperrors.KindChain, "malformed file key response", nil)
	}

	raw, ok := out[0].([]byte)
	if !ok || len(raw) == 0 {
		return "", apperrors.New(apperrors.KindNotFound, "no file key for this server identity", nil)
	}
	return fmt.Sprintf("%x", raw), nil
}

// dataError mirrors go-ethereum's rpc.DataError: JSON-RPC errors that
// carry revert data implement it. A view call reverting (no such id)
// surfaces through this interface; a connection or timeout failure
// does not, which is how not-found is told apart from transport.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

func recordCall(registry string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ChainCallsTotal.WithLabelValues(registry, outcome).Inc()
}

func classifyCallErr(err error, what string) error {
	var de dataError
	if errors.As(err, &de) {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("%s not found", what), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.KindChain, fmt.Sprintf("%s lookup timed out", what), err)
	}
	return apperrors.New(apperrors.KindChain, fmt.Sprintf("%s lookup failed", what), err)
}
