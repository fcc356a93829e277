// Package pricing computes the amount a solver owes for an output at fill
// time. The variant is selected by the first byte of the output's context.
package pricing

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gmath "github.com/ethereum/go-ethereum/common/math"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// Kind tags a fulfillment context
type Kind byte

const (
	KindFixed          Kind = 0x00
	KindDutch          Kind = 0x01
	KindExclusiveFixed Kind = 0xe0
	KindExclusiveDutch Kind = 0xe1
)

const (
	fixedLength          = 1
	dutchLength          = 1 + 4 + 4 + 32
	exclusiveFixedLength = 1 + 32 + 4
	exclusiveDutchLength = 1 + 32 + 4 + 4 + 32
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindDutch:
		return "dutch"
	case KindExclusiveFixed:
		return "exclusive_fixed"
	case KindExclusiveDutch:
		return "exclusive_dutch"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// Policy is a parsed fulfillment context
type Policy struct {
	Kind         Kind
	ExclusiveFor common.Hash
	Start        uint32
	Stop         uint32
	Slope        *big.Int
}

// ParseContext decodes a fulfillment context. An empty context is fixed pricing.
func ParseContext(ctx []byte) (Policy, error) {
	if len(ctx) == 0 {
		return Policy{Kind: KindFixed}, nil
	}

	kind := Kind(ctx[0])
	var want int
	switch kind {
	case KindFixed:
		want = fixedLength
	case KindDutch:
		want = dutchLength
	case KindExclusiveFixed:
		want = exclusiveFixedLength
	case KindExclusiveDutch:
		want = exclusiveDutchLength
	default:
		return Policy{}, fmt.Errorf("%w: tag 0x%02x", models.ErrUnsupportedPolicy, ctx[0])
	}
	if len(ctx) != want {
		return Policy{}, fmt.Errorf("%w: %s context is %d bytes, want %d", models.ErrUnsupportedPolicy, kind, len(ctx), want)
	}

	p := Policy{Kind: kind}
	rest := ctx[1:]
	if kind == KindExclusiveFixed || kind == KindExclusiveDutch {
		p.ExclusiveFor = common.BytesToHash(rest[:32])
		rest = rest[32:]
	}
	switch kind {
	case KindDutch, KindExclusiveDutch:
		p.Start = binary.BigEndian.Uint32(rest)
		p.Stop = binary.BigEndian.Uint32(rest[4:])
		p.Slope = new(big.Int).SetBytes(rest[8:40])
	case KindExclusiveFixed:
		p.Start = binary.BigEndian.Uint32(rest)
	}
	return p, nil
}

// Amount is the quantity of the output's token the solver must deliver at now
func Amount(out models.Output, solver common.Hash, now uint32) (*big.Int, error) {
	p, err := ParseContext(out.Context)
	if err != nil {
		return nil, err
	}
	return p.Amount(out.Amount, solver, now)
}

// Amount applies the policy to base
func (p Policy) Amount(base *big.Int, solver common.Hash, now uint32) (*big.Int, error) {
	if base == nil {
		base = new(big.Int)
	}

	switch p.Kind {
	case KindFixed:
		return new(big.Int).Set(base), nil
	case KindExclusiveFixed:
		if now < p.Start && solver != p.ExclusiveFor {
			return nil, &models.ExclusiveToError{Solver: p.ExclusiveFor}
		}
		return new(big.Int).Set(base), nil
	case KindExclusiveDutch:
		if now < p.Start && solver != p.ExclusiveFor {
			return nil, &models.ExclusiveToError{Solver: p.ExclusiveFor}
		}
		return dutch(base, p.Start, p.Stop, p.Slope, now)
	case KindDutch:
		return dutch(base, p.Start, p.Stop, p.Slope, now)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedPolicy, p.Kind)
	}
}

// dutch returns base + slope * (stop - clamp(now, start, stop))
func dutch(base *big.Int, start, stop uint32, slope *big.Int, now uint32) (*big.Int, error) {
	if stop <= start || slope == nil {
		return new(big.Int).Set(base), nil
	}
	clamped := now
	if clamped < start {
		clamped = start
	}
	if clamped > stop {
		clamped = stop
	}
	remaining := new(big.Int).SetUint64(uint64(stop - clamped))
	amount := remaining.Mul(remaining, slope)
	amount.Add(amount, base)
	if amount.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %d seconds left at slope %s", models.ErrPriceOverflow, stop-clamped, slope)
	}
	return amount, nil
}

// FixedContext encodes fixed pricing
func FixedContext() []byte {
	return []byte{byte(KindFixed)}
}

// DutchContext encodes a decaying price
func DutchContext(start, stop uint32, slope *big.Int) []byte {
	out := make([]byte, 0, dutchLength)
	out = append(out, byte(KindDutch))
	return appendDecay(out, start, stop, slope)
}

// ExclusiveFixedContext encodes fixed pricing reserved for solver until start
func ExclusiveFixedContext(solver common.Hash, start uint32) []byte {
	out := make([]byte, 0, exclusiveFixedLength)
	out = append(out, byte(KindExclusiveFixed))
	out = append(out, solver[:]...)
	return binary.BigEndian.AppendUint32(out, start)
}

// ExclusiveDutchContext encodes a decaying price reserved for solver until start
func ExclusiveDutchContext(solver common.Hash, start, stop uint32, slope *big.Int) []byte {
	out := make([]byte, 0, exclusiveDutchLength)
	out = append(out, byte(KindExclusiveDutch))
	out = append(out, solver[:]...)
	return appendDecay(out, start, stop, slope)
}

func appendDecay(out []byte, start, stop uint32, slope *big.Int) []byte {
	out = binary.BigEndian.AppendUint32(out, start)
	out = binary.BigEndian.AppendUint32(out, stop)
	if slope == nil {
		slope = new(big.Int)
	}
	return append(out, gmath.PaddedBigBytes(slope, 32)...)
}
