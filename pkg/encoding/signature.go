package encoding

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// SignDigest signs digest and returns a 65-byte r || s || v signature with v in {27, 28}
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over digest. Both
// {0, 1} and {27, 28} recovery ids are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", models.ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", models.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over digest was produced by expected
func VerifySigner(digest common.Hash, sig []byte, expected common.Address) error {
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: signed by %s", models.ErrInvalidSignature, signer.Hex())
	}
	return nil
}
