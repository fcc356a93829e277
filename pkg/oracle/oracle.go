// Package oracle is the boundary against the external attestation system.
// Settlement only asks whether a series of fills has been proven.
package oracle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gmath "github.com/ethereum/go-ethereum/common/math"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// FillProof names one attested fill: on which domain, by which remote oracle
// and settlement point, with which fill description digest
type FillProof struct {
	ChainID *big.Int
	Oracle  common.Hash
	Settler common.Hash
	Digest  common.Hash
}

// Key is the storage key of the proof
func (p FillProof) Key() []byte {
	return state.Key(gmath.PaddedBigBytes(p.ChainID, 32), p.Oracle[:], p.Settler[:], p.Digest[:])
}

// Verifier fails unless every proof in the series has been attested
type Verifier interface {
	RequireProven(env *chain.Env, proofs []FillProof) error
}

// Lookup resolves the verifier deployed at addr on the frame's domain
func Lookup(env *chain.Env, addr common.Address) (Verifier, error) {
	c, ok := env.Contract(addr)
	if !ok {
		return nil, fmt.Errorf("%w: nothing deployed at %s", models.ErrUnknownOracle, addr.Hex())
	}
	v, ok := c.(Verifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a verifier", models.ErrUnknownOracle, addr.Hex())
	}
	return v, nil
}
