// Package outputsettler is the destination side of an order: solvers deliver
// outputs through it and it records, per order and output, who filled and when.
package outputsettler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/pricing"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// OutputCallback is implemented by recipients that accept a call payload
// with their output
type OutputCallback interface {
	OutputFilled(env *chain.Env, token common.Address, amount *big.Int, call []byte) error
}

// Settler records fills. Its methods take the settler's own frame: Self is
// the settler and Caller is the solver delivering funds.
type Settler struct {
	ledger *assets.Ledger
}

// New creates a settler moving funds through ledger
func New(ledger *assets.Ledger) *Settler {
	return &Settler{ledger: ledger}
}

func recordKey(settler common.Address, orderID, outputHash common.Hash) []byte {
	return state.Key(settler[:], orderID[:], outputHash[:])
}

// FillRecord returns the record of an output, zero if it was never filled
func (s *Settler) FillRecord(env *chain.Env, orderID, outputHash common.Hash) (models.FillRecord, error) {
	v, found, err := env.Store().Get(env.Context(), state.TableFills, recordKey(env.Self(), orderID, outputHash))
	if err != nil {
		return models.FillRecord{}, err
	}
	if !found {
		return models.FillRecord{}, nil
	}
	return models.FillRecordFromBytes(v)
}

// Fill delivers one output of orderID. Filling an output that already has a
// record returns that record and moves nothing.
func (s *Settler) Fill(env *chain.Env, orderID common.Hash, fillRequest []byte, proposedSolver common.Hash) (models.FillRecord, error) {
	req, err := encoding.DecodeFillRequest(fillRequest)
	if err != nil {
		return models.FillRecord{}, err
	}
	return s.fill(env, orderID, req, proposedSolver)
}

// FillBatch fills every output of an order. The first output decides who
// wins the order: if it already carries another solver's record, or one from
// an earlier time, nothing is filled and ErrAlreadyFilled is returned. The
// remaining outputs are filled idempotently.
func (s *Settler) FillBatch(env *chain.Env, orderID common.Hash, fillRequests [][]byte, proposedSolver common.Hash) ([]models.FillRecord, error) {
	if len(fillRequests) == 0 {
		return nil, models.ErrNoOutputs
	}

	records := make([]models.FillRecord, 0, len(fillRequests))
	err := env.Atomic(func() error {
		expected := models.FillRecord{Solver: proposedSolver, Timestamp: env.Now()}
		for i, raw := range fillRequests {
			record, err := s.Fill(env, orderID, raw, proposedSolver)
			if err != nil {
				return fmt.Errorf("output %d: %w", i, err)
			}
			if i == 0 && record != expected {
				return fmt.Errorf("%w: first output filled by %s at %d",
					models.ErrAlreadyFilled, record.Solver.Hex(), record.Timestamp)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Settler) fill(env *chain.Env, orderID common.Hash, req encoding.FillRequest, solver common.Hash) (models.FillRecord, error) {
	now := env.Now()
	out := req.Output

	if now > req.FillDeadline {
		return models.FillRecord{}, fmt.Errorf("%w: deadline %d, now %d", models.ErrFillDeadline, req.FillDeadline, now)
	}
	if solver == (common.Hash{}) {
		return models.FillRecord{}, models.ErrInvalidSolver
	}
	if out.ChainID == nil || out.ChainID.Cmp(env.ChainID()) != 0 {
		return models.FillRecord{}, fmt.Errorf("%w: output for chain %v filled on %s", models.ErrWrongDomain, out.ChainID, env.ChainID())
	}
	if out.Settler != models.AddressToIdentity(env.Self()) {
		return models.FillRecord{}, fmt.Errorf("%w: output names %s", models.ErrWrongSettler, out.Settler.Hex())
	}

	outputHash, err := encoding.OutputHash(out)
	if err != nil {
		return models.FillRecord{}, err
	}
	existing, err := s.FillRecord(env, orderID, outputHash)
	if err != nil {
		return models.FillRecord{}, err
	}
	if !existing.IsZero() {
		return existing, nil
	}

	amount, err := pricing.Amount(out, solver, now)
	if err != nil {
		return models.FillRecord{}, err
	}
	token, err := models.IdentityToAddress(out.Token)
	if err != nil {
		return models.FillRecord{}, fmt.Errorf("token: %w", err)
	}
	recipient, err := models.IdentityToAddress(out.Recipient)
	if err != nil {
		return models.FillRecord{}, fmt.Errorf("recipient: %w", err)
	}

	record := models.FillRecord{Solver: solver, Timestamp: now}
	if err := env.Store().Put(env.Context(), state.TableFills, recordKey(env.Self(), orderID, outputHash), record.Bytes()); err != nil {
		return models.FillRecord{}, err
	}

	if err := s.ledger.TransferFrom(env, token, env.Caller(), recipient, amount); err != nil {
		return models.FillRecord{}, err
	}

	if len(out.Call) > 0 {
		if err := deliverCallback(env, recipient, token, amount, out.Call); err != nil {
			return models.FillRecord{}, err
		}
	}

	env.Emit(models.EventOutputFilled, orderID, models.OutputFilledEvent{
		Solver:      solver,
		Timestamp:   now,
		Output:      out,
		FinalAmount: amount,
	})
	return record, nil
}

func deliverCallback(env *chain.Env, recipient, token common.Address, amount *big.Int, call []byte) error {
	c, ok := env.Contract(recipient)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrCallbackTarget, recipient.Hex())
	}
	cb, ok := c.(OutputCallback)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrCallbackTarget, recipient.Hex())
	}
	return cb.OutputFilled(env.Call(recipient), token, new(big.Int).Set(amount), call)
}
