package models

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowStatus is the lifecycle state of an escrow lock
type EscrowStatus uint8

const (
	// StatusUnopened is the implicit state of every identity never opened
	StatusUnopened EscrowStatus = iota
	// StatusLocked indicates inputs are held in custody
	StatusLocked
	// StatusSettled indicates inputs were released to the settlement destination
	StatusSettled
	// StatusRefunded indicates inputs were returned to the user
	StatusRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case StatusUnopened:
		return "unopened"
	case StatusLocked:
		return "locked"
	case StatusSettled:
		return "settled"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// fillRecordLength is solver (32) + timestamp (4)
const fillRecordLength = common.HashLength + 4

// FillRecord attributes a filled output to a solver at a point in time
type FillRecord struct {
	Solver    common.Hash `json:"solver"`
	Timestamp uint32      `json:"timestamp"`
}

// IsZero reports whether the record is unset
func (r FillRecord) IsZero() bool {
	return r.Solver == (common.Hash{}) && r.Timestamp == 0
}

// Bytes packs the record as solver || timestamp
func (r FillRecord) Bytes() []byte {
	out := make([]byte, fillRecordLength)
	copy(out, r.Solver[:])
	binary.BigEndian.PutUint32(out[common.HashLength:], r.Timestamp)
	return out
}

// FillRecordFromBytes unpacks a record produced by FillRecord.Bytes
func FillRecordFromBytes(b []byte) (FillRecord, error) {
	if len(b) != fillRecordLength {
		return FillRecord{}, fmt.Errorf("invalid fill record length %d", len(b))
	}
	return FillRecord{
		Solver:    common.BytesToHash(b[:common.HashLength]),
		Timestamp: binary.BigEndian.Uint32(b[common.HashLength:]),
	}, nil
}

// PurchaseRecord is the transient record of an accepted order purchase.
// Cutoff is the purchase time minus the agreed time to buy.
type PurchaseRecord struct {
	Cutoff    uint32      `json:"cutoff"`
	Purchaser common.Hash `json:"purchaser"`
}

// Bytes packs the record as cutoff || purchaser
func (r PurchaseRecord) Bytes() []byte {
	out := make([]byte, 4+common.HashLength)
	binary.BigEndian.PutUint32(out, r.Cutoff)
	copy(out[4:], r.Purchaser[:])
	return out
}

// PurchaseRecordFromBytes unpacks a record produced by PurchaseRecord.Bytes
func PurchaseRecordFromBytes(b []byte) (PurchaseRecord, error) {
	if len(b) != 4+common.HashLength {
		return PurchaseRecord{}, fmt.Errorf("invalid purchase record length %d", len(b))
	}
	return PurchaseRecord{
		Cutoff:    binary.BigEndian.Uint32(b),
		Purchaser: common.BytesToHash(b[4:]),
	}, nil
}
