package assets

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// AssetDomainName names the typed data domain of every asset
const AssetDomainName = "Asset"

var (
	transferAuthorizationTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	transferAuthorizationArgs = encoding.Arguments(
		encoding.Bytes32Type, encoding.AddressType, encoding.AddressType,
		encoding.Uint256Type, encoding.Uint256Type, encoding.Uint256Type, encoding.Bytes32Type)
)

// Authorization is a signed one-off permission to move funds out of From
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  uint32
	ValidBefore uint32
	Nonce       common.Hash
}

// Digest is the typed data hash From signs for asset on chainID
func (a Authorization) Digest(chainID *big.Int, asset common.Address) (common.Hash, error) {
	packed, err := transferAuthorizationArgs.Pack(
		[32]byte(transferAuthorizationTypeHash),
		a.From,
		a.To,
		encoding.Uint256(a.Value),
		new(big.Int).SetUint64(uint64(a.ValidAfter)),
		new(big.Int).SetUint64(uint64(a.ValidBefore)),
		[32]byte(a.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: authorization: %v", models.ErrMalformedEncoding, err)
	}
	return encoding.TypedDataHash(
		encoding.DomainSeparator(AssetDomainName, chainID, asset),
		crypto.Keccak256Hash(packed),
	), nil
}

// Sign produces From's signature over the authorization
func (a Authorization) Sign(chainID *big.Int, asset common.Address, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := a.Digest(chainID, asset)
	if err != nil {
		return nil, err
	}
	return encoding.SignDigest(digest, key)
}

func authorizationNonceKey(asset, from common.Address, nonce common.Hash) []byte {
	return state.Key([]byte("auth"), asset[:], from[:], nonce[:])
}

// TransferWithAuthorization moves Value of asset from From to To with From's
// signature. Any account may submit it; each nonce works once.
func (l *Ledger) TransferWithAuthorization(env *chain.Env, asset common.Address, auth Authorization, sig []byte) error {
	now := env.Now()
	if now <= auth.ValidAfter || now >= auth.ValidBefore {
		return fmt.Errorf("%w: now %d, valid (%d, %d)", models.ErrAuthorizationWindow, now, auth.ValidAfter, auth.ValidBefore)
	}

	nonceKey := authorizationNonceKey(asset, auth.From, auth.Nonce)
	_, used, err := env.Store().Get(env.Context(), state.TableNonces, nonceKey)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s", models.ErrNonceUsed, auth.Nonce.Hex())
	}

	digest, err := auth.Digest(env.ChainID(), asset)
	if err != nil {
		return err
	}
	if err := encoding.VerifySigner(digest, sig, auth.From); err != nil {
		return err
	}

	if err := env.Store().Put(env.Context(), state.TableNonces, nonceKey, []byte{1}); err != nil {
		return err
	}
	return l.move(env, asset, auth.From, auth.To, auth.Value)
}
