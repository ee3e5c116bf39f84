// Package chainid derives a per-user server identity: a deterministic
// secp256k1 keypair obtained by walking a BIP44-style HD path rooted in
// a server-wide BIP39 mnemonic, with the path's address index taken
// from a hash of the user's address.
package chainid

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/FactomProject/go-bip32"
	"github.com/FactomProject/go-bip39"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// purpose/coinType/account/change are the fixed, non-hardened-index
// legs of m/44'/60'/0'/0/i (BIP44, Ethereum coin type 60).
const (
	purpose  = 44
	coinType = 60
	account  = 0
	change   = 0

	// hardenBit is FactomProject/go-bip32's FirstHardenedChild constant,
	// restated here to avoid depending on its exact export name.
	hardenBit = uint32(0x80000000)

	// maxIndex bounds the derived address index to the non-hardened
	// child range ("modulo 2^31").
	maxIndex = uint32(1) << 31
)

// Identity is the derived keypair for one user address.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	// PublicKey is the SEC1 uncompressed encoding (0x04 || X || Y).
	PublicKey []byte
	Address   common.Address
}

// Deriver derives identities from a single server-wide mnemonic. It is
// safe for concurrent use: the master key is fixed at construction and
// every derivation walks a fresh child-key chain from it.
type Deriver struct {
	master *bip32.Key
}

// NewDeriver validates mnemonic and computes its BIP39 seed (with the
// given passphrase, which may be empty) to build the HD master key.
func NewDeriver(mnemonic, passphrase string) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, apperrors.New(apperrors.KindValidation, "invalid server mnemonic", nil)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to derive HD master key", err)
	}
	return &Deriver{master: master}, nil
}

// Derive computes the server identity for userAddress, along the
// path m/44'/60'/0'/0/i where i = SHA-256(lowercased address)[:4],
// big-endian, modulo 2^31.
func (d *Deriver) Derive(userAddress string) (*Identity, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, apperrors.New(apperrors.KindValidation, "invalid user address", nil)
	}

	index := addressIndex(userAddress)

	key := d.master
	for _, childIdx := range []uint32{
		purpose | hardenBit,
		coinType | hardenBit,
		account | hardenBit,
		change,
		index,
	} {
		var err error
		key, err = key.NewChildKey(childIdx)
		if err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "HD child key derivation failed", err)
		}
	}

	sk, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "derived key is not a valid secp256k1 scalar", err)
	}

	return &Identity{
		PrivateKey: sk,
		PublicKey:  crypto.FromECDSAPub(&sk.PublicKey),
		Address:    crypto.PubkeyToAddress(sk.PublicKey),
	}, nil
}

// addressIndex computes the non-hardened child index for address by
// hashing its lowercased form and reducing modulo the valid index
// range.
func addressIndex(address string) uint32 {
	lowered := strings.ToLower(address)
	sum := sha256.Sum256([]byte(lowered))
	raw := binary.BigEndian.Uint32(sum[:4])
	return raw % maxIndex
}
