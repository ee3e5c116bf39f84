package chain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

type fakeDataError struct{ data interface{} }

func (e *fakeDataError) Error() string          { return "execution reverted" }
func (e *fakeDataError) ErrorData() interface{} { return e.data }

func TestClassifyCallErrRevertIsNotFound(t *testing.T) {
	err := classifyCallErr(&fakeDataError{data: "0x"}, "permission")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestClassifyCallErrTimeoutIsChain(t *testing.T) {
	err := classifyCallErr(context.DeadlineExceeded, "grantee")
	assert.Equal(t, apperrors.KindChain, apperrors.KindOf(err))
}

func TestClassifyCallErrGenericIsChain(t *testing.T) {
	err := classifyCallErr(errors.New("connection refused"), "file")
	assert.Equal(t, apperrors.KindChain, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "file lookup failed")
}

func TestRegistryABIsParse(t *testing.T) {
	for name, raw := range map[string]string{
		"permissions": permissionsABIJSON,
		"grantees":    granteesABIJSON,
		"files":       filesABIJSON,
	} {
		_, err := abi.JSON(strings.NewReader(raw))
		require.NoError(t, err, name)
	}
}

func TestFilesABIHasBothMethods(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(filesABIJSON))
	require.NoError(t, err)

	_, ok := parsed.Methods["getFile"]
	assert.True(t, ok)
	_, ok = parsed.Methods["getFileKey"]
	assert.True(t, ok)
}
