// Package eciesx implements the ECIES envelope scheme used to seal a
// payload's symmetric key to a derived server identity,
// and the symmetric decryption of the payload itself.
//
// No available dependency ships an ECIES implementation matching this
// exact wire layout (go-ethereum dropped its crypto/ecies subpackage),
// so the envelope is built directly from stdlib primitives in a manual
// cipher.Block/HMAC style.
package eciesx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

const (
	ivSize         = 16
	pubKeySize     = 65 // SEC1 uncompressed: 0x04 || X || Y
	macSize        = 32
	aesKeySize     = 32
	macKeySize     = 32
	minEnvelopeLen = ivSize + pubKeySize + macSize // zero-length ciphertext
)

// DecryptEnvelope recovers the payload key from a hex-encoded sealed
// envelope. Any structural, MAC, or padding failure returns the same
// decryption error kind without distinguishing which.
func DecryptEnvelope(sealedKeyHex string, serverSK *ecdsa.PrivateKey) ([]byte, error) {
	sealed, err := hex.DecodeString(sealedKeyHex)
	if err != nil {
		return nil, decryptionError(err)
	}
	return DecryptEnvelopeBytes(sealed, serverSK)
}

// DecryptEnvelopeBytes is DecryptEnvelope taking the raw sealed bytes.
func DecryptEnvelopeBytes(sealed []byte, serverSK *ecdsa.PrivateKey) ([]byte, error) {
	if len(sealed) < minEnvelopeLen {
		return nil, decryptionError(nil)
	}

	iv := sealed[:ivSize]
	ephemeralPub := sealed[ivSize : ivSize+pubKeySize]
	tag := sealed[len(sealed)-macSize:]
	ciphertext := sealed[ivSize+pubKeySize : len(sealed)-macSize]

	aesKey, macKey, err := deriveKeys(serverSK, ephemeralPub)
	if err != nil {
		return nil, decryptionError(err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ephemeralPub)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return nil, decryptionError(nil)
	}

	plaintext, err := aesCBCDecrypt(aesKey, iv, ciphertext)
	if err != nil {
		return nil, decryptionError(err)
	}
	return plaintext, nil
}

// SealEnvelope is the inverse of DecryptEnvelope: it encrypts
// payloadKey to recipientPub (SEC1 uncompressed) with a fresh ephemeral
// keypair and returns the hex-encoded sealed envelope.
func SealEnvelope(payloadKey []byte, recipientPub []byte) (string, error) {
	ephemeralSK, err := crypto.GenerateKey()
	if err != nil {
		return "", apperrors.New(apperrors.KindInternal, "failed to generate ephemeral key", err)
	}
	ephemeralPub := crypto.FromECDSAPub(&ephemeralSK.PublicKey)

	aesKey, macKey, err := deriveKeysFromRecipient(ephemeralSK, recipientPub)
	if err != nil {
		return "", apperrors.New(apperrors.KindInternal, "failed to derive shared secret", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", apperrors.New(apperrors.KindInternal, "failed to generate IV", err)
	}

	ciphertext, err := aesCBCEncrypt(aesKey, iv, payloadKey)
	if err != nil {
		return "", apperrors.New(apperrors.KindInternal, "failed to encrypt payload key", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ephemeralPub)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	sealed := make([]byte, 0, len(iv)+len(ephemeralPub)+len(ciphertext)+len(tag))
	sealed = append(sealed, iv...)
	sealed = append(sealed, ephemeralPub...)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	return hex.EncodeToString(sealed), nil
}

// deriveKeys computes ECDH(serverSK, ephemeralPub) and splits the
// SHA-512 of the shared x-coordinate into an AES key and a MAC key.
func deriveKeys(serverSK *ecdsa.PrivateKey, ephemeralPubBytes []byte) (aesKey, macKey []byte, err error) {
	ephemeralPub, err := crypto.UnmarshalPubkey(ephemeralPubBytes)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecretKeys(serverSK, ephemeralPub)
}

func deriveKeysFromRecipient(ephemeralSK *ecdsa.PrivateKey, recipientPubBytes []byte) (aesKey, macKey []byte, err error) {
	recipientPub, err := crypto.UnmarshalPubkey(recipientPubBytes)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecretKeys(ephemeralSK, recipientPub)
}

func sharedSecretKeys(sk *ecdsa.PrivateKey, pub *ecdsa.PublicKey) (aesKey, macKey []byte, err error) {
	curve := sk.Curve
	sharedX, _ := curve.ScalarMult(pub.X, pub.Y, sk.D.Bytes())

	xBytes := make([]byte, (curve.Params().BitSize+7)/8)
	sharedX.FillBytes(xBytes)

	digest := sha512.Sum512(xBytes)
	return digest[:aesKeySize], digest[aesKeySize : aesKeySize+macKeySize], nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, io.ErrShortBuffer
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	padded := make([]byte, len(ciphertext))
	mode.CryptBlocks(padded, ciphertext)
	return unpadPKCS7(padded)
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, io.ErrShortBuffer
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, io.ErrShortBuffer
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, io.ErrShortBuffer
		}
	}
	return data[:len(data)-padLen], nil
}

func decryptionError(cause error) error {
	return apperrors.New(apperrors.KindDecryption, "envelope decryption failed", cause)
}
