package encoding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ABI types used to pack hashed structures
var (
	AddressType    = mustType("address")
	Uint256Type    = mustType("uint256")
	Uint32Type     = mustType("uint32")
	Bytes32Type    = mustType("bytes32")
	BytesType      = mustType("bytes")
	BytesArrayType = mustType("bytes[]")
)

// Arguments builds an unnamed abi argument list
func Arguments(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

// Uint256 returns v, or zero for nil, ready for abi packing
func Uint256(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// CheckedUint256 is Uint256 for values that must fit a word. abi packing
// reduces modulo 2^256, so negative or wider values are rejected here.
func CheckedUint256(field string, v *big.Int) (*big.Int, error) {
	v = Uint256(v)
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s %s does not fit in 256 bits", models.ErrMalformedEncoding, field, v)
	}
	return v, nil
}
