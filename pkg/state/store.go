// Package state provides the transactional key-value storage the settlement
// components keep their records in.
package state

import (
	"context"
	"errors"
	"fmt"
)

// Table partitions the key space of a Store
type Table string

const (
	TableEscrow       Table = "escrow"
	TableFills        Table = "fills"
	TablePurchases    Table = "purchases"
	TableBalances     Table = "balances"
	TableAllowances   Table = "allowances"
	TableNonces       Table = "nonces"
	TableAttestations Table = "attestations"
)

// Savepoint identifies an open nested transaction
type Savepoint int

// ErrSavepointOrder is returned when savepoints are not closed innermost first
var ErrSavepointOrder = errors.New("savepoint closed out of order")

// Store is a keyed record store with nested savepoints. Writes made after
// Begin are undone by Rollback of the same savepoint; Commit folds them into
// the enclosing savepoint, or makes them durable when none is left.
type Store interface {
	Get(ctx context.Context, table Table, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, table Table, key, value []byte) error
	Delete(ctx context.Context, table Table, key []byte) error

	Begin(ctx context.Context) (Savepoint, error)
	Commit(ctx context.Context, sp Savepoint) error
	Rollback(ctx context.Context, sp Savepoint) error

	Close() error
}

// WithTx runs fn inside a savepoint and rolls every write back if fn fails
func WithTx(ctx context.Context, s Store, fn func() error) (err error) {
	sp, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = s.Rollback(ctx, sp)
			panic(r)
		}
	}()

	if err := fn(); err != nil {
		if rbErr := s.Rollback(ctx, sp); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := s.Commit(ctx, sp); err != nil {
		return fmt.Errorf("commit savepoint: %w", err)
	}
	return nil
}

// Key concatenates key parts into a composite key
func Key(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
