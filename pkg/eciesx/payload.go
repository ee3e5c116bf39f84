package eciesx

import (
	"crypto/rand"
	"io"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// DecryptPayload decrypts an encrypted file given its unsealed payload
// key, matching the format produced by the user's client: IV(16) ||
// AES-256-CBC(PKCS7) ciphertext keyed by payloadKey, consistent with
// the envelope's own AES-CBC construction. A deployment targeting a
// different client must replace this function.
func DecryptPayload(encryptedFile, payloadKey []byte) ([]byte, error) {
	if len(encryptedFile) < ivSize {
		return nil, decryptionError(nil)
	}
	if len(payloadKey) != aesKeySize {
		return nil, apperrors.New(apperrors.KindDecryption, "payload key must be 32 bytes", nil)
	}

	iv := encryptedFile[:ivSize]
	ciphertext := encryptedFile[ivSize:]

	plaintext, err := aesCBCDecrypt(payloadKey, iv, ciphertext)
	if err != nil {
		return nil, decryptionError(err)
	}
	return plaintext, nil
}

// NewPayloadKey generates a fresh random 32-byte AES-256 key.
func NewPayloadKey() ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to generate payload key", err)
	}
	return key, nil
}
