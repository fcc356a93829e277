// Package assets is the asset transfer primitive of a domain: a multi-asset
// balance and allowance book kept in the domain store, so balances roll back
// together with the call that moved them.
package assets

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// Receiver is implemented by deployed components that want to be notified of
// incoming transfers. The hook runs after balances moved, in a frame where the
// asset calls the receiver, and may call back into any component.
type Receiver interface {
	OnAssetReceived(env *chain.Env, asset, from common.Address, amount *big.Int) error
}

// Ledger moves assets on behalf of the frame's Self
type Ledger struct{}

// NewLedger creates a ledger
func NewLedger() *Ledger {
	return &Ledger{}
}

func balanceKey(asset, owner common.Address) []byte {
	return state.Key(asset[:], owner[:])
}

func allowanceKey(asset, owner, spender common.Address) []byte {
	return state.Key(asset[:], owner[:], spender[:])
}

func (l *Ledger) readAmount(env *chain.Env, table state.Table, key []byte) (*big.Int, error) {
	v, found, err := env.Store().Get(env.Context(), table, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return new(big.Int), nil
	}
	return new(big.Int).SetBytes(v), nil
}

func (l *Ledger) writeAmount(env *chain.Env, table state.Table, key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return env.Store().Delete(env.Context(), table, key)
	}
	return env.Store().Put(env.Context(), table, key, amount.Bytes())
}

// BalanceOf returns owner's balance of asset
func (l *Ledger) BalanceOf(env *chain.Env, asset, owner common.Address) (*big.Int, error) {
	return l.readAmount(env, state.TableBalances, balanceKey(asset, owner))
}

// Allowance returns how much spender may pull from owner
func (l *Ledger) Allowance(env *chain.Env, asset, owner, spender common.Address) (*big.Int, error) {
	return l.readAmount(env, state.TableAllowances, allowanceKey(asset, owner, spender))
}

// Mint credits amount of asset to to. Used to seed accounts.
func (l *Ledger) Mint(env *chain.Env, asset, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := l.BalanceOf(env, asset, to)
	if err != nil {
		return err
	}
	if err := checkAmount(bal.Add(bal, amount)); err != nil {
		return fmt.Errorf("balance overflow: %w", err)
	}
	return l.writeAmount(env, state.TableBalances, balanceKey(asset, to), bal)
}

// Approve lets spender pull up to amount of Self's asset
func (l *Ledger) Approve(env *chain.Env, asset, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.writeAmount(env, state.TableAllowances, allowanceKey(asset, env.Self(), spender), new(big.Int).Set(amount))
}

// Transfer moves amount of asset from Self to to
func (l *Ledger) Transfer(env *chain.Env, asset, to common.Address, amount *big.Int) error {
	return l.move(env, asset, env.Self(), to, amount)
}

// TransferFrom moves amount of asset from from to to using Self's allowance.
// Moving one's own funds needs no allowance.
func (l *Ledger) TransferFrom(env *chain.Env, asset, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	spender := env.Self()
	if spender != from {
		key := allowanceKey(asset, from, spender)
		allowed, err := l.readAmount(env, state.TableAllowances, key)
		if err != nil {
			return err
		}
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s may pull %s of %s from %s, needs %s",
				models.ErrInsufficientAllow, spender.Hex(), allowed, asset.Hex(), from.Hex(), amount)
		}
		if err := l.writeAmount(env, state.TableAllowances, key, allowed.Sub(allowed, amount)); err != nil {
			return err
		}
	}
	return l.move(env, asset, from, to, amount)
}

func (l *Ledger) move(env *chain.Env, asset, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", models.ErrInvalidAddress)
	}

	fromBal, err := l.BalanceOf(env, asset, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			models.ErrInsufficientBalance, from.Hex(), fromBal, asset.Hex(), amount)
	}
	if err := l.writeAmount(env, state.TableBalances, balanceKey(asset, from), fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	toBal, err := l.BalanceOf(env, asset, to)
	if err != nil {
		return err
	}
	if err := checkAmount(toBal.Add(toBal, amount)); err != nil {
		return fmt.Errorf("balance overflow: %w", err)
	}
	if err := l.writeAmount(env, state.TableBalances, balanceKey(asset, to), toBal); err != nil {
		return err
	}

	if c, ok := env.Contract(to); ok {
		if r, ok := c.(Receiver); ok {
			return r.OnAssetReceived(env.Call(asset).Call(to), asset, from, new(big.Int).Set(amount))
		}
	}
	return nil
}

// checkAmount accepts amounts that fit an unsigned 256-bit word
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return fmt.Errorf("%w: invalid amount %v", models.ErrMalformedEncoding, amount)
	}
	return nil
}
