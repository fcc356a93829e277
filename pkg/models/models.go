package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Input is an asset amount locked in escrow on the origin domain
type Input struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// Output describes value a solver must deliver on a destination domain.
// Cross-domain references (oracle, settler, token, recipient) are 32-byte
// identities holding a left-padded address.
type Output struct {
	Oracle    common.Hash   `json:"oracle"`
	Settler   common.Hash   `json:"settler"`
	ChainID   *big.Int      `json:"chain_id"`
	Token     common.Hash   `json:"token"`
	Amount    *big.Int      `json:"amount"`
	Recipient common.Hash   `json:"recipient"`
	Call      hexutil.Bytes `json:"call,omitempty"`
	Context   hexutil.Bytes `json:"context,omitempty"`
}

// Order is the immutable description of a cross-domain intent
type Order struct {
	User          common.Address `json:"user"`
	Nonce         *big.Int       `json:"nonce"`
	OriginChainID *big.Int       `json:"origin_chain_id"`
	Expires       uint32         `json:"expires"`
	FillDeadline  uint32         `json:"fill_deadline"`
	InputOracle   common.Address `json:"input_oracle"`
	Inputs        []Input        `json:"inputs"`
	Outputs       []Output       `json:"outputs"`
}

// SolveParams identifies who filled an output and when
type SolveParams struct {
	Solver    common.Hash `json:"solver"`
	Timestamp uint32      `json:"timestamp"`
}

// OrderPurchase is the claim description a solver signs when selling its
// right to settle an order.
type OrderPurchase struct {
	OrderID     common.Hash    `json:"order_id"`
	Destination common.Address `json:"destination"`
	Call        hexutil.Bytes  `json:"call,omitempty"`
	// Discount is a fraction of MaxDiscount withheld from every input
	Discount  uint32 `json:"discount"`
	TimeToBuy uint32 `json:"time_to_buy"`
}

// MaxDiscount is the denominator of OrderPurchase.Discount
const MaxDiscount = ^uint32(0)

// AddressToIdentity left-pads an address into a cross-domain identity
func AddressToIdentity(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// IdentityToAddress converts a cross-domain identity back into a local
// address. Identities with dirty upper bytes are rejected.
func IdentityToAddress(id common.Hash) (common.Address, error) {
	for _, b := range id[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return common.Address{}, ErrInvalidAddress
		}
	}
	return common.BytesToAddress(id[common.HashLength-common.AddressLength:]), nil
}
