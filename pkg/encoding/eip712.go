package encoding

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,uint256 chainId,address verifyingContract)"))
	domainArgs     = Arguments(Bytes32Type, Bytes32Type, Uint256Type, AddressType)
)

// DomainSeparator binds typed signatures to one component on one domain
func DomainSeparator(name string, chainID *big.Int, verifyingContract common.Address) common.Hash {
	packed, err := domainArgs.Pack(
		[32]byte(domainTypeHash),
		[32]byte(crypto.Keccak256Hash([]byte(name))),
		Uint256(chainID),
		verifyingContract,
	)
	if err != nil {
		// only static word types are packed
		panic(fmt.Sprintf("pack domain separator: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

// TypedDataHash is the digest signed for a typed structure
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], structHash[:])
}
