package custody

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// PermitDomainName names the typed data domain of the permit component
const PermitDomainName = "Permit2"

var (
	tokenPermissionsTypeHash = crypto.Keccak256Hash([]byte("TokenPermissions(address token,uint256 amount)"))
	batchWitnessTypeHash     = crypto.Keccak256Hash([]byte(
		"PermitBatchWitnessTransferFrom(TokenPermissions[] permitted,address spender,uint256 nonce,uint256 deadline,bytes32 witness)TokenPermissions(address token,uint256 amount)"))

	tokenPermissionsArgs = encoding.Arguments(encoding.Bytes32Type, encoding.AddressType, encoding.Uint256Type)
	batchWitnessArgs     = encoding.Arguments(encoding.Bytes32Type, encoding.Bytes32Type, encoding.AddressType,
		encoding.Uint256Type, encoding.Uint256Type, encoding.Bytes32Type)
)

// BatchPermit lets Spender pull every permitted input of Owner once, bound
// to Witness
type BatchPermit struct {
	Permitted []models.Input
	Spender   common.Address
	Nonce     *big.Int
	Deadline  uint32
	Witness   common.Hash
}

// Digest is the typed data hash the owner signs for the permit component at permitAddr
func (p BatchPermit) Digest(chainID *big.Int, permitAddr common.Address) (common.Hash, error) {
	permitted := make([]byte, 0, len(p.Permitted)*common.HashLength)
	for _, in := range p.Permitted {
		packed, err := tokenPermissionsArgs.Pack([32]byte(tokenPermissionsTypeHash), in.Asset, encoding.Uint256(in.Amount))
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: permit: %v", models.ErrMalformedEncoding, err)
		}
		permitted = append(permitted, crypto.Keccak256(packed)...)
	}

	packed, err := batchWitnessArgs.Pack(
		[32]byte(batchWitnessTypeHash),
		[32]byte(crypto.Keccak256Hash(permitted)),
		p.Spender,
		encoding.Uint256(p.Nonce),
		new(big.Int).SetUint64(uint64(p.Deadline)),
		[32]byte(p.Witness),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: permit: %v", models.ErrMalformedEncoding, err)
	}
	return encoding.TypedDataHash(encoding.DomainSeparator(PermitDomainName, chainID, permitAddr), crypto.Keccak256Hash(packed)), nil
}

// Sign produces the owner's signature over the permit
func (p BatchPermit) Sign(chainID *big.Int, permitAddr common.Address, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := p.Digest(chainID, permitAddr)
	if err != nil {
		return nil, err
	}
	return encoding.SignDigest(digest, key)
}

// PermitContract pulls funds owners approved to it, against signed batch
// permits. Owners approve the permit component once on the ledger.
type PermitContract struct {
	ledger *assets.Ledger
}

// NewPermitContract creates a permit component moving funds through ledger
func NewPermitContract(ledger *assets.Ledger) *PermitContract {
	return &PermitContract{ledger: ledger}
}

func permitNonceKey(permitAddr, owner common.Address, nonce *big.Int) []byte {
	return state.Key([]byte("permit"), permitAddr[:], owner[:], common.BigToHash(nonce).Bytes())
}

// PermitWitnessTransferFrom moves every permitted input from owner to to. It
// runs in the permit component's frame; the caller must be the permit's spender.
func (c *PermitContract) PermitWitnessTransferFrom(env *chain.Env, permit BatchPermit, owner, to common.Address, sig []byte) error {
	if env.Caller() != permit.Spender {
		return fmt.Errorf("%w: %s is not the permit spender", models.ErrUnauthorized, env.Caller().Hex())
	}
	if env.Now() > permit.Deadline {
		return fmt.Errorf("%w: permit deadline %d passed", models.ErrAuthorizationWindow, permit.Deadline)
	}

	nonceKey := permitNonceKey(env.Self(), owner, encoding.Uint256(permit.Nonce))
	_, used, err := env.Store().Get(env.Context(), state.TableNonces, nonceKey)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: permit nonce %s", models.ErrNonceUsed, permit.Nonce)
	}

	digest, err := permit.Digest(env.ChainID(), env.Self())
	if err != nil {
		return err
	}
	if err := encoding.VerifySigner(digest, sig, owner); err != nil {
		return err
	}
	if err := env.Store().Put(env.Context(), state.TableNonces, nonceKey, []byte{1}); err != nil {
		return err
	}

	for _, in := range permit.Permitted {
		if err := c.ledger.TransferFrom(env, in.Asset, owner, to, in.Amount); err != nil {
			return err
		}
	}
	return nil
}
