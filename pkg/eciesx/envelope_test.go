package eciesx

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

func TestSealAndDecryptEnvelopeRoundTrip(t *testing.T) {
	serverSK, err := crypto.GenerateKey()
	require.NoError(t, err)
	serverPub := crypto.FromECDSAPub(&serverSK.PublicKey)

	payloadKey, err := NewPayloadKey()
	require.NoError(t, err)

	sealedHex, err := SealEnvelope(payloadKey, serverPub)
	require.NoError(t, err)

	recovered, err := DecryptEnvelope(sealedHex, serverSK)
	require.NoError(t, err)
	assert.Equal(t, payloadKey, recovered)
}

func TestDecryptEnvelopeWrongKeyFails(t *testing.T) {
	serverSK, err := crypto.GenerateKey()
	require.NoError(t, err)
	serverPub := crypto.FromECDSAPub(&serverSK.PublicKey)

	payloadKey, err := NewPayloadKey()
	require.NoError(t, err)
	sealedHex, err := SealEnvelope(payloadKey, serverPub)
	require.NoError(t, err)

	otherSK, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = DecryptEnvelope(sealedHex, otherSK)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDecryption, apperrors.KindOf(err))
}

func TestDecryptEnvelopeTamperedMACFails(t *testing.T) {
	serverSK, err := crypto.GenerateKey()
	require.NoError(t, err)
	serverPub := crypto.FromECDSAPub(&serverSK.PublicKey)

	payloadKey, err := NewPayloadKey()
	require.NoError(t, err)
	sealedHex, err := SealEnvelope(payloadKey, serverPub)
	require.NoError(t, err)

	sealed, err := hex.DecodeString(sealedHex)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = DecryptEnvelopeBytes(sealed, serverSK)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDecryption, apperrors.KindOf(err))
}

func TestDecryptEnvelopeTooShortFails(t *testing.T) {
	serverSK, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = DecryptEnvelopeBytes([]byte("short"), serverSK)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDecryption, apperrors.KindOf(err))
}

func TestDecryptEnvelopeMalformedHexFails(t *testing.T) {
	serverSK, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = DecryptEnvelope("not-hex!!", serverSK)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDecryption, apperrors.KindOf(err))
}
