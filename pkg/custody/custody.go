// Package custody pulls order inputs from a user on the strength of a
// signature, so a sponsor can open an order on the user's behalf.
package custody

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// Scheme tags the first byte of an authorization blob
type Scheme byte

const (
	// SchemeBatchPermit is one signed batch permit through the permit component
	SchemeBatchPermit Scheme = 0x00
	// SchemeTransferAuthorization is one signed transfer authorization per input
	SchemeTransferAuthorization Scheme = 0x01
)

var signaturesArgs = encoding.Arguments(encoding.BytesArrayType)

// Puller dispatches on the scheme tag of an authorization blob
type Puller struct {
	ledger *assets.Ledger
	permit common.Address
}

// NewPuller creates a puller. permit is the address of the deployed permit component.
func NewPuller(ledger *assets.Ledger, permit common.Address) *Puller {
	return &Puller{ledger: ledger, permit: permit}
}

// Pull moves every input of order from order.User to env.Self(). env is the
// frame of the component taking custody.
func (p *Puller) Pull(env *chain.Env, order models.Order, orderID common.Hash, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty authorization", models.ErrUnsupportedScheme)
	}
	payload := blob[1:]

	switch Scheme(blob[0]) {
	case SchemeBatchPermit:
		return p.pullBatchPermit(env, order, orderID, payload)
	case SchemeTransferAuthorization:
		return p.pullTransferAuthorizations(env, order, orderID, payload)
	default:
		return fmt.Errorf("%w: 0x%02x", models.ErrUnsupportedScheme, blob[0])
	}
}

// PermitFor is the batch permit a user signs to let custodian open order
func PermitFor(order models.Order, orderID common.Hash, custodian common.Address) BatchPermit {
	return BatchPermit{
		Permitted: order.Inputs,
		Spender:   custodian,
		Nonce:     order.Nonce,
		Deadline:  order.FillDeadline,
		Witness:   orderID,
	}
}

func (p *Puller) pullBatchPermit(env *chain.Env, order models.Order, orderID common.Hash, sig []byte) error {
	c, ok := env.Contract(p.permit)
	if !ok {
		return fmt.Errorf("%w: no permit component at %s", models.ErrUnsupportedScheme, p.permit.Hex())
	}
	permitContract, ok := c.(*PermitContract)
	if !ok {
		return fmt.Errorf("%w: %s is not a permit component", models.ErrUnsupportedScheme, p.permit.Hex())
	}
	return permitContract.PermitWitnessTransferFrom(env.Call(p.permit), PermitFor(order, orderID, env.Self()), order.User, env.Self(), sig)
}

// AuthorizationFor is the transfer authorization a user signs for one input
func AuthorizationFor(order models.Order, orderID common.Hash, input models.Input, custodian common.Address) assets.Authorization {
	return assets.Authorization{
		From:        order.User,
		To:          custodian,
		Value:       input.Amount,
		ValidAfter:  0,
		ValidBefore: order.FillDeadline,
		Nonce:       orderID,
	}
}

func (p *Puller) pullTransferAuthorizations(env *chain.Env, order models.Order, orderID common.Hash, payload []byte) error {
	sigs, err := decodeSignatures(payload, len(order.Inputs))
	if err != nil {
		return err
	}
	for i, in := range order.Inputs {
		auth := AuthorizationFor(order, orderID, in, env.Self())
		if err := p.ledger.TransferWithAuthorization(env, in.Asset, auth, sigs[i]); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

// decodeSignatures reads one raw signature for a single input, or an abi
// encoded bytes[] otherwise
func decodeSignatures(payload []byte, inputs int) ([][]byte, error) {
	if inputs == 1 && len(payload) == 65 {
		return [][]byte{payload}, nil
	}
	values, err := signaturesArgs.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: signatures: %v", models.ErrMalformedEncoding, err)
	}
	sigs, ok := values[0].([][]byte)
	if !ok {
		return nil, fmt.Errorf("%w: signatures are not bytes[]", models.ErrMalformedEncoding)
	}
	if len(sigs) != inputs {
		return nil, fmt.Errorf("%w: %d signatures for %d inputs", models.ErrInvalidSignature, len(sigs), inputs)
	}
	return sigs, nil
}

// EncodeBatchPermit builds a scheme 0 authorization blob
func EncodeBatchPermit(sig []byte) []byte {
	return append([]byte{byte(SchemeBatchPermit)}, sig...)
}

// EncodeTransferAuthorizations builds a scheme 1 authorization blob
func EncodeTransferAuthorizations(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 1 {
		return append([]byte{byte(SchemeTransferAuthorization)}, sigs[0]...), nil
	}
	packed, err := signaturesArgs.Pack(sigs)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(SchemeTransferAuthorization)}, packed...), nil
}

// SignOpen produces a complete authorization blob for custodian to open order
// on the user's behalf, signed with the user's key
func SignOpen(scheme Scheme, chainID *big.Int, order models.Order, custodian, permitAddr common.Address, key *ecdsa.PrivateKey) ([]byte, error) {
	orderID, err := encoding.OrderIdentifier(order)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeBatchPermit:
		sig, err := PermitFor(order, orderID, custodian).Sign(chainID, permitAddr, key)
		if err != nil {
			return nil, err
		}
		return EncodeBatchPermit(sig), nil
	case SchemeTransferAuthorization:
		sigs := make([][]byte, len(order.Inputs))
		for i, in := range order.Inputs {
			sig, err := AuthorizationFor(order, orderID, in, custodian).Sign(chainID, in.Asset, key)
			if err != nil {
				return nil, err
			}
			sigs[i] = sig
		}
		return EncodeTransferAuthorizations(sigs...)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", models.ErrUnsupportedScheme, byte(scheme))
	}
}
