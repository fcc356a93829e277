package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle"
)

// FillProofs builds the series of proofs that settle order with solveParams.
// Digests are computed exactly as the output settler attests them.
func FillProofs(order models.Order, orderID common.Hash, solveParams []models.SolveParams) ([]oracle.FillProof, error) {
	if len(solveParams) != len(order.Outputs) {
		return nil, fmt.Errorf("%w: %d solve params for %d outputs", models.ErrInvalidSolveParams, len(solveParams), len(order.Outputs))
	}
	proofs := make([]oracle.FillProof, len(order.Outputs))
	for i, out := range order.Outputs {
		digest, err := encoding.FillDescriptionHash(solveParams[i].Solver, orderID, solveParams[i].Timestamp, out)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		proofs[i] = oracle.FillProof{
			ChainID: out.ChainID,
			Oracle:  out.Oracle,
			Settler: out.Settler,
			Digest:  digest,
		}
	}
	return proofs, nil
}

func (e *Escrow) requireProven(env *chain.Env, order models.Order, orderID common.Hash, solveParams []models.SolveParams) error {
	proofs, err := FillProofs(order, orderID, solveParams)
	if err != nil {
		return err
	}
	verifier, err := oracle.Lookup(env, order.InputOracle)
	if err != nil {
		return err
	}
	return verifier.RequireProven(env.Call(order.InputOracle), proofs)
}
