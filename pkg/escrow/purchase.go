package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

func purchaseKey(escrow common.Address, solver, orderID common.Hash) []byte {
	return state.Key(escrow[:], solver[:], orderID[:])
}

// PurchaseOrder buys solver's claim on a locked order. The caller pays every
// input less the signed discount to the purchase destination; in exchange
// purchaser owns the claim if the purchase happened early enough relative to
// the fills.
func (e *Escrow) PurchaseOrder(env *chain.Env, purchase models.OrderPurchase, order models.Order, solver, purchaser common.Hash, expiry uint32, solverSignature []byte) error {
	if purchaser == (common.Hash{}) {
		return models.ErrInvalidPurchaser
	}
	now := env.Now()
	if now >= expiry {
		return fmt.Errorf("%w: expired at %d, now %d", models.ErrPurchaseExpired, expiry, now)
	}
	orderID, err := encoding.OrderIdentifier(order)
	if err != nil {
		return err
	}
	if orderID != purchase.OrderID {
		return fmt.Errorf("%w: purchase names %s, order is %s", models.ErrOrderMismatch, purchase.OrderID.Hex(), orderID.Hex())
	}
	if purchase.Destination == (common.Address{}) {
		return models.ErrInvalidDestination
	}

	solverAddr, err := models.IdentityToAddress(solver)
	if err != nil {
		return fmt.Errorf("%w: solver %s cannot sign", models.ErrInvalidSignature, solver.Hex())
	}
	digest, err := PurchaseDigest(env.ChainID(), env.Self(), purchase)
	if err != nil {
		return err
	}
	if err := encoding.VerifySigner(digest, solverSignature, solverAddr); err != nil {
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

		key := purchaseKey(env.Self(), solver, orderID)
		_, exists, err := env.Store().Get(env.Context(), state.TablePurchases, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", models.ErrAlreadyPurchased, orderID.Hex())
		}

		cutoff := uint32(0)
		if now > purchase.TimeToBuy {
			cutoff = now - purchase.TimeToBuy
		}
		record := models.PurchaseRecord{Cutoff: cutoff, Purchaser: purchaser}
		if err := env.Store().Put(env.Context(), state.TablePurchases, key, record.Bytes()); err != nil {
			return err
		}

		paid := DiscountedInputs(order.Inputs, purchase.Discount)
		for i, in := range paid {
			if err := e.ledger.TransferFrom(env, in.Asset, env.Caller(), purchase.Destination, in.Amount); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
		if len(purchase.Call) > 0 {
			if err := deliverCallback(env, purchase.Destination, paid, purchase.Call); err != nil {
				return err
			}
		}

		env.Emit(models.EventOrderPurchased, orderID, models.OrderPurchasedEvent{Solver: solver, Purchaser: purchaser})
		return nil
	})
}

// DiscountedInputs returns inputs with discount/MaxDiscount of every amount withheld
func DiscountedInputs(inputs []models.Input, discount uint32) []models.Input {
	denominator := new(big.Int).SetUint64(uint64(models.MaxDiscount))
	out := make([]models.Input, len(inputs))
	for i, in := range inputs {
		cut := new(big.Int).Mul(in.Amount, new(big.Int).SetUint64(uint64(discount)))
		cut.Quo(cut, denominator)
		out[i] = models.Input{Asset: in.Asset, Amount: new(big.Int).Sub(in.Amount, cut)}
	}
	return out
}

// resolveOwner returns who may settle orderID: the purchaser if a purchase of
// the first output's solver happened no later than timeToBuy after the latest
// fill, otherwise that solver. Any purchase record is consumed.
func (e *Escrow) resolveOwner(env *chain.Env, orderID common.Hash, solveParams []models.SolveParams) (common.Hash, error) {
	solver := solveParams[0].Solver
	var maxTimestamp uint32
	for _, p := range solveParams {
		if p.Timestamp > maxTimestamp {
			maxTimestamp = p.Timestamp
		}
	}

	key := purchaseKey(env.Self(), solver, orderID)
	v, found, err := env.Store().Get(env.Context(), state.TablePurchases, key)
	if err != nil {
		return common.Hash{}, err
	}
	if !found {
		return solver, nil
	}
	if err := env.Store().Delete(env.Context(), state.TablePurchases, key); err != nil {
		return common.Hash{}, err
	}

	record, err := models.PurchaseRecordFromBytes(v)
	if err != nil {
		return common.Hash{}, err
	}
	if record.Cutoff <= maxTimestamp {
		return record.Purchaser, nil
	}
	return solver, nil
}

// PurchaseRecord returns the pending purchase of solver's claim on orderID
func (e *Escrow) PurchaseRecord(env *chain.Env, solver, orderID common.Hash) (models.PurchaseRecord, bool, error) {
	v, found, err := env.Store().Get(env.Context(), state.TablePurchases, purchaseKey(env.Self(), solver, orderID))
	if err != nil || !found {
		return models.PurchaseRecord{}, false, err
	}
	record, err := models.PurchaseRecordFromBytes(v)
	return record, err == nil, err
}
