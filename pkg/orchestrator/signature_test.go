package orchestrator

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

func TestRecoverSignerRecoversZeroOneRecoveryID(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(priv.PublicKey)

	message := []byte(`{"operation_id":"op-1","action":"list"}`)
	hash := accounts.TextHash(message)
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)

	got, err := RecoverSigner(message, sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRecoverSignerRecovers2728RecoveryID(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(priv.PublicKey)

	message := []byte(`{"operation_id":"op-1","action":"list"}`)
	hash := accounts.TextHash(message)
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)
	sig[64] += 27

	got, err := RecoverSigner(message, sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRecoverSignerDifferentMessageYieldsDifferentSigner(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := []byte(`{"operation_id":"op-1","action":"list"}`)
	hash := accounts.TextHash(message)
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)

	got, err := RecoverSigner([]byte(`{"operation_id":"op-2","action":"list"}`), sig)
	require.NoError(t, err)
	assert.NotEqual(t, crypto.PubkeyToAddress(priv.PublicKey), got)
}

func TestRecoverSignerRejectsMalformedLength(t *testing.T) {
	_, err := RecoverSigner([]byte("message"), []byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuthentication, apperrors.KindOf(err))
}
