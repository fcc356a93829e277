package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a notification emitted by a settlement component
type EventKind string

const (
	EventOpen           EventKind = "Open"
	EventFinalized      EventKind = "Finalized"
	EventRefunded       EventKind = "Refunded"
	EventOrderPurchased EventKind = "OrderPurchased"
	EventOutputFilled   EventKind = "OutputFilled"
)

// Event is a committed notification. Payload holds one of the *Event
// structs below, matching Kind.
type Event struct {
	DomainID *big.Int
	Emitter  common.Address
	Kind     EventKind
	OrderID  common.Hash
	Payload  interface{}
}

// OpenEvent carries the full order for off-chain indexing
type OpenEvent struct {
	Order Order
}

// FinalizedEvent is emitted when an escrow is released to its settlement destination
type FinalizedEvent struct {
	Solver      common.Hash
	Destination common.Address
}

// RefundedEvent is emitted when an escrow is returned to the user
type RefundedEvent struct {
	User common.Address
}

// OrderPurchasedEvent is emitted when a solver's claim is bought
type OrderPurchasedEvent struct {
	Solver    common.Hash
	Purchaser common.Hash
}

// OutputFilledEvent is emitted by the output settler for every new fill
type OutputFilledEvent struct {
	Solver      common.Hash
	Timestamp   uint32
	Output      Output
	FinalAmount *big.Int
}
