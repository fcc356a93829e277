package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

const (
	wordLength = 32
	// fixed part of an encoded output: oracle, settler, chain id, token, amount, recipient
	outputHeadLength = 6 * wordLength
	deadlineLength   = 4
	lengthPrefix     = 2
)

// FillRequest is an output together with the fill deadline it must meet
type FillRequest struct {
	FillDeadline uint32
	Output       models.Output
}

func appendWord(buf []byte, v *big.Int) ([]byte, error) {
	v, err := CheckedUint256("value", v)
	if err != nil {
		return nil, err
	}
	return append(buf, gmath.PaddedBigBytes(v, wordLength)...), nil
}

func appendPrefixed(buf []byte, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", models.ErrPayloadTooLarge, len(payload))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// EncodeOutput serializes an output as oracle, settler, chain id, token,
// amount, recipient followed by the length prefixed call and context
func EncodeOutput(out models.Output) ([]byte, error) {
	buf := make([]byte, 0, outputHeadLength+2*lengthPrefix+len(out.Call)+len(out.Context))
	buf = append(buf, out.Oracle[:]...)
	buf = append(buf, out.Settler[:]...)
	buf, err := appendWord(buf, out.ChainID)
	if err != nil {
		return nil, err
	}
	buf = append(buf, out.Token[:]...)
	if buf, err = appendWord(buf, out.Amount); err != nil {
		return nil, err
	}
	buf = append(buf, out.Recipient[:]...)
	if buf, err = appendPrefixed(buf, out.Call); err != nil {
		return nil, err
	}
	return appendPrefixed(buf, out.Context)
}

// EncodeFillRequest prefixes the encoded output with the fill deadline
func EncodeFillRequest(req FillRequest) ([]byte, error) {
	body, err := EncodeOutput(req.Output)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, deadlineLength, deadlineLength+len(body))
	binary.BigEndian.PutUint32(buf, req.FillDeadline)
	return append(buf, body...), nil
}

// DecodeFillRequest parses bytes produced by EncodeFillRequest. Trailing bytes
// are rejected.
func DecodeFillRequest(b []byte) (FillRequest, error) {
	if len(b) < deadlineLength+outputHeadLength+2*lengthPrefix {
		return FillRequest{}, fmt.Errorf("%w: fill request too short (%d bytes)", models.ErrMalformedEncoding, len(b))
	}
	var req FillRequest
	req.FillDeadline = binary.BigEndian.Uint32(b)
	p := b[deadlineLength:]

	word := func() []byte {
		w := p[:wordLength]
		p = p[wordLength:]
		return w
	}
	req.Output.Oracle = common.BytesToHash(word())
	req.Output.Settler = common.BytesToHash(word())
	req.Output.ChainID = new(big.Int).SetBytes(word())
	req.Output.Token = common.BytesToHash(word())
	req.Output.Amount = new(big.Int).SetBytes(word())
	req.Output.Recipient = common.BytesToHash(word())

	var err error
	if req.Output.Call, p, err = readPrefixed(p); err != nil {
		return FillRequest{}, fmt.Errorf("call: %w", err)
	}
	if req.Output.Context, p, err = readPrefixed(p); err != nil {
		return FillRequest{}, fmt.Errorf("context: %w", err)
	}
	if len(p) != 0 {
		return FillRequest{}, fmt.Errorf("%w: %d trailing bytes", models.ErrMalformedEncoding, len(p))
	}
	return req, nil
}

func readPrefixed(p []byte) ([]byte, []byte, error) {
	if len(p) < lengthPrefix {
		return nil, nil, fmt.Errorf("%w: missing length prefix", models.ErrMalformedEncoding)
	}
	n := int(binary.BigEndian.Uint16(p))
	p = p[lengthPrefix:]
	if len(p) < n {
		return nil, nil, fmt.Errorf("%w: payload needs %d bytes, have %d", models.ErrMalformedEncoding, n, len(p))
	}
	if n == 0 {
		return nil, p, nil
	}
	return append([]byte(nil), p[:n]...), p[n:], nil
}

// OutputHash identifies an output within an order. The fill deadline is not
// part of it.
func OutputHash(out models.Output) (common.Hash, error) {
	encoded, err := EncodeOutput(out)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// FillDescriptionHash is the digest an oracle attests for a fill: who filled
// which output of which order, and when
func FillDescriptionHash(solver, orderID common.Hash, timestamp uint32, out models.Output) (common.Hash, error) {
	buf := make([]byte, 0, 2*wordLength+deadlineLength+3*wordLength+2*lengthPrefix+len(out.Call)+len(out.Context))
	buf = append(buf, solver[:]...)
	buf = append(buf, orderID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, timestamp)
	buf = append(buf, out.Token[:]...)
	buf, err := appendWord(buf, out.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	buf = append(buf, out.Recipient[:]...)
	if buf, err = appendPrefixed(buf, out.Call); err != nil {
		return common.Hash{}, err
	}
	if buf, err = appendPrefixed(buf, out.Context); err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(buf), nil
}
