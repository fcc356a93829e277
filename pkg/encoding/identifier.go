// Package encoding holds the canonical encodings shared by the origin and
// destination sides: order identifiers, the fill request wire layout and
// the fill descriptions attested by oracles.
package encoding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

var (
	orderHeaderArgs = Arguments(AddressType, Uint256Type, Uint256Type, Uint32Type, Uint32Type, AddressType, Bytes32Type, Bytes32Type)
	inputArgs       = Arguments(AddressType, Uint256Type)
	outputArgs      = Arguments(Bytes32Type, Bytes32Type, Uint256Type, Bytes32Type, Uint256Type, Bytes32Type, Bytes32Type, Bytes32Type)
	countArgs       = Arguments(Uint256Type)
)

// OrderIdentifier returns the identity of order. It is a pure function of the
// order's fields and is identical on every domain.
func OrderIdentifier(order models.Order) (common.Hash, error) {
	inputsHash, err := hashInputs(order.Inputs)
	if err != nil {
		return common.Hash{}, err
	}
	outputsHash, err := hashOutputs(order.Outputs)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := CheckedUint256("nonce", order.Nonce)
	if err != nil {
		return common.Hash{}, err
	}
	originChainID, err := CheckedUint256("origin chain id", order.OriginChainID)
	if err != nil {
		return common.Hash{}, err
	}

	packed, err := orderHeaderArgs.Pack(
		order.User,
		nonce,
		originChainID,
		order.Expires,
		order.FillDeadline,
		order.InputOracle,
		[32]byte(inputsHash),
		[32]byte(outputsHash),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: order: %v", models.ErrMalformedEncoding, err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// MustOrderIdentifier is OrderIdentifier for orders known to be well formed
func MustOrderIdentifier(order models.Order) common.Hash {
	id, err := OrderIdentifier(order)
	if err != nil {
		panic(err)
	}
	return id
}

func hashInputs(inputs []models.Input) (common.Hash, error) {
	buf, err := countArgs.Pack(bigLen(len(inputs)))
	if err != nil {
		return common.Hash{}, err
	}
	for i, in := range inputs {
		amount, err := CheckedUint256(fmt.Sprintf("input %d amount", i), in.Amount)
		if err != nil {
			return common.Hash{}, err
		}
		packed, err := inputArgs.Pack(in.Asset, amount)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: input %d: %v", models.ErrMalformedEncoding, i, err)
		}
		buf = append(buf, packed...)
	}
	return crypto.Keccak256Hash(buf), nil
}

func hashOutputs(outputs []models.Output) (common.Hash, error) {
	buf, err := countArgs.Pack(bigLen(len(outputs)))
	if err != nil {
		return common.Hash{}, err
	}
	for i, out := range outputs {
		chainID, err := CheckedUint256(fmt.Sprintf("output %d chain id", i), out.ChainID)
		if err != nil {
			return common.Hash{}, err
		}
		amount, err := CheckedUint256(fmt.Sprintf("output %d amount", i), out.Amount)
		if err != nil {
			return common.Hash{}, err
		}
		packed, err := outputArgs.Pack(
			[32]byte(out.Oracle),
			[32]byte(out.Settler),
			chainID,
			[32]byte(out.Token),
			amount,
			[32]byte(out.Recipient),
			[32]byte(crypto.Keccak256Hash(out.Call)),
			[32]byte(crypto.Keccak256Hash(out.Context)),
		)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: output %d: %v", models.ErrMalformedEncoding, i, err)
		}
		buf = append(buf, packed...)
	}
	return crypto.Keccak256Hash(buf), nil
}

func bigLen(n int) *big.Int {
	return big.NewInt(int64(n))
}
