// Package escrow is the origin side of an order. It locks a user's inputs and
// releases them exactly once: back to the user after expiry, or to whoever
// owns the settlement claim once every output is proven filled.
package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/custody"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// DomainName names the typed data domain of escrow signatures
const DomainName = "Escrow"

// SettlementCallback is implemented by destinations that accept a call
// payload together with released inputs
type SettlementCallback interface {
	OrderFinalized(env *chain.Env, inputs []models.Input, call []byte) error
}

// Escrow holds order inputs. Its methods take the escrow's own frame: Self is
// the escrow and Caller is the account invoking it.
type Escrow struct {
	ledger *assets.Ledger
	puller *custody.Puller
}

// New creates an escrow. puller serves OpenFor and may be nil when only
// caller funded opens are used.
func New(ledger *assets.Ledger, puller *custody.Puller) *Escrow {
	return &Escrow{ledger: ledger, puller: puller}
}

func statusKey(escrow common.Address, orderID common.Hash) []byte {
	return state.Key(escrow[:], orderID[:])
}

// Status returns the lock state of orderID
func (e *Escrow) Status(env *chain.Env, orderID common.Hash) (models.EscrowStatus, error) {
	v, found, err := env.Store().Get(env.Context(), state.TableEscrow, statusKey(env.Self(), orderID))
	if err != nil {
		return models.StatusUnopened, err
	}
	if !found {
		return models.StatusUnopened, nil
	}
	if len(v) != 1 {
		return models.StatusUnopened, fmt.Errorf("%w: escrow status of %s is %d bytes", models.ErrMalformedEncoding, orderID.Hex(), len(v))
	}
	return models.EscrowStatus(v[0]), nil
}

// transition moves orderID from one status to another. The new status is
// written before the caller performs any transfer.
func (e *Escrow) transition(env *chain.Env, orderID common.Hash, from, to models.EscrowStatus) error {
	current, err := e.Status(env, orderID)
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("%w: order %s is %s", models.ErrInvalidOrderStatus, orderID.Hex(), current)
	}
	return env.Store().Put(env.Context(), state.TableEscrow, statusKey(env.Self(), orderID), []byte{byte(to)})
}

func (e *Escrow) validateOpen(env *chain.Env, order models.Order) (common.Hash, error) {
	if order.OriginChainID == nil || order.OriginChainID.Cmp(env.ChainID()) != 0 {
		return common.Hash{}, fmt.Errorf("%w: order for chain %v opened on %s", models.ErrWrongDomain, order.OriginChainID, env.ChainID())
	}
	now := env.Now()
	if now >= order.FillDeadline {
		return common.Hash{}, fmt.Errorf("%w: deadline %d, now %d", models.ErrFillDeadline, order.FillDeadline, now)
	}
	if now >= order.Expires {
		return common.Hash{}, fmt.Errorf("%w: expired at %d, now %d", models.ErrOrderExpired, order.Expires, now)
	}
	if len(order.Inputs) == 0 {
		return common.Hash{}, models.ErrNoInputs
	}
	if len(order.Outputs) == 0 {
		return common.Hash{}, models.ErrNoOutputs
	}
	return encoding.OrderIdentifier(order)
}

// Open locks order's inputs, pulled from the caller
func (e *Escrow) Open(env *chain.Env, order models.Order) (common.Hash, error) {
	orderID, err := e.validateOpen(env, order)
	if err != nil {
		return common.Hash{}, err
	}

	err = env.Atomic(func() error {
		if err := e.transition(env, orderID, models.StatusUnopened, models.StatusLocked); err != nil {
			return err
		}
		for i, in := range order.Inputs {
			if err := e.ledger.TransferFrom(env, in.Asset, env.Caller(), env.Self(), in.Amount); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
		env.Emit(models.EventOpen, orderID, models.OpenEvent{Order: order})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return orderID, nil
}

// OpenFor locks order's inputs pulled from order.User with the user's signed
// authorization. Anyone may submit it.
func (e *Escrow) OpenFor(env *chain.Env, order models.Order, authorization []byte) (common.Hash, error) {
	if e.puller == nil {
		return common.Hash{}, fmt.Errorf("%w: no signature schemes configured", models.ErrUnsupportedScheme)
	}
	orderID, err := e.validateOpen(env, order)
	if err != nil {
		return common.Hash{}, err
	}

	err = env.Atomic(func() error {
		if err := e.transition(env, orderID, models.StatusUnopened, models.StatusLocked); err != nil {
			return err
		}
		if err := e.puller.Pull(env, order, orderID, authorization); err != nil {
			return err
		}
		env.Emit(models.EventOpen, orderID, models.OpenEvent{Order: order})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return orderID, nil
}

// Refund returns a locked order's inputs to its user once the order expired.
// Anyone may call it.
func (e *Escrow) Refund(env *chain.Env, order models.Order) error {
	orderID, err := encoding.OrderIdentifier(order)
	if err != nil {
		return err
	}

	return env.Atomic(func() error {
		status, err := e.Status(env, orderID)
		if err != nil {
			return err
		}
		if status != models.StatusLocked {
			return fmt.Errorf("%w: order %s is %s", models.ErrInvalidOrderStatus, orderID.Hex(), status)
		}
		if now := env.Now(); now < order.Expires {
			return fmt.Errorf("%w: expires at %d, now %d", models.ErrOrderNotExpired, order.Expires, now)
		}
		if err := e.transition(env, orderID, models.StatusLocked, models.StatusRefunded); err != nil {
			return err
		}
		if err := e.release(env, order.Inputs, order.User); err != nil {
			return err
		}
		env.Emit(models.EventRefunded, orderID, models.RefundedEvent{User: order.User})
		return nil
	})
}

// Finalize releases a locked order to destination. The caller must own the
// claim of the solver that filled the first output, and every output must be
// proven filled by the solver and time given in solveParams.
// Settlement stays possible after expiry for as long as nobody refunded.
func (e *Escrow) Finalize(env *chain.Env, order models.Order, solveParams []models.SolveParams, destination common.Address, call []byte) error {
	orderID, err := e.validateFinalize(order, solveParams, destination)
	if err != nil {
		return err
	}

	return env.Atomic(func() error {
		owner, err := e.resolveOwner(env, orderID, solveParams)
		if err != nil {
			return err
		}
		if models.AddressToIdentity(env.Caller()) != owner {
			return fmt.Errorf("%w: owner is %s", models.ErrNotOrderOwner, owner.Hex())
		}
		return e.finalize(env, order, orderID, solveParams, destination, call)
	})
}

// FinalizeWithSignature is Finalize submitted by a third party carrying the
// owner's signature over (orderID, destination, call)
func (e *Escrow) FinalizeWithSignature(env *chain.Env, order models.Order, solveParams []models.SolveParams, destination common.Address, call []byte, ownerSignature []byte) error {
	orderID, err := e.validateFinalize(order, solveParams, destination)
	if err != nil {
		return err
	}

	return env.Atomic(func() error {
		owner, err := e.resolveOwner(env, orderID, solveParams)
		if err != nil {
			return err
		}
		ownerAddr, err := models.IdentityToAddress(owner)
		if err != nil {
			return fmt.Errorf("%w: owner %s cannot sign", models.ErrInvalidSignature, owner.Hex())
		}
		digest, err := FinalizeDigest(env.ChainID(), env.Self(), orderID, destination, call)
		if err != nil {
			return err
		}
		if err := encoding.VerifySigner(digest, ownerSignature, ownerAddr); err != nil {
			return err
		}
		return e.finalize(env, order, orderID, solveParams, destination, call)
	})
}

func (e *Escrow) validateFinalize(order models.Order, solveParams []models.SolveParams, destination common.Address) (common.Hash, error) {
	if len(order.Outputs) == 0 || len(solveParams) != len(order.Outputs) {
		return common.Hash{}, fmt.Errorf("%w: %d solve params for %d outputs", models.ErrInvalidSolveParams, len(solveParams), len(order.Outputs))
	}
	if destination == (common.Address{}) {
		return common.Hash{}, models.ErrInvalidDestination
	}
	return encoding.OrderIdentifier(order)
}

func (e *Escrow) finalize(env *chain.Env, order models.Order, orderID common.Hash, solveParams []models.SolveParams, destination common.Address, call []byte) error {
	if err := e.transition(env, orderID, models.StatusLocked, models.StatusSettled); err != nil {
		return err
	}
	if err := e.requireProven(env, order, orderID, solveParams); err != nil {
		return err
	}
	if err := e.release(env, order.Inputs, destination); err != nil {
		return err
	}
	if len(call) > 0 {
		if err := deliverCallback(env, destination, order.Inputs, call); err != nil {
			return err
		}
	}
	env.Emit(models.EventFinalized, orderID, models.FinalizedEvent{
		Solver:      solveParams[0].Solver,
		Destination: destination,
	})
	return nil
}

func (e *Escrow) release(env *chain.Env, inputs []models.Input, to common.Address) error {
	for i, in := range inputs {
		if err := e.ledger.Transfer(env, in.Asset, to, in.Amount); err != nil {
			return fmt.Errorf("release input %d: %w", i, err)
		}
	}
	return nil
}

func deliverCallback(env *chain.Env, destination common.Address, inputs []models.Input, call []byte) error {
	c, ok := env.Contract(destination)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrCallbackTarget, destination.Hex())
	}
	cb, ok := c.(SettlementCallback)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrCallbackTarget, destination.Hex())
	}
	released := make([]models.Input, len(inputs))
	for i, in := range inputs {
		released[i] = models.Input{Asset: in.Asset, Amount: new(big.Int).Set(in.Amount)}
	}
	return cb.OrderFinalized(env.Call(destination), released, call)
}
