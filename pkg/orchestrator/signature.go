package orchestrator

import (
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// RecoverSigner recovers the address that produced a personal-message
// signature over message ("all signed payloads use
// personal-message signing"), using go-ethereum's standard
// "\x19Ethereum Signed Message:\n<len>" prefix convention. Used both by
// Create (over the raw request JSON) and by artifact list/download
// callers (over their own signed payload strings).
func RecoverSigner(message, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, apperrors.New(apperrors.KindAuthentication, "malformed signature length", nil)
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	// go-ethereum's recovery id convention is 0/1; wallets commonly
	// produce 27/28 for the v byte.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	hash := accounts.TextHash(message)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, apperrors.New(apperrors.KindAuthentication, "signature recovery failed", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
