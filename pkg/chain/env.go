package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// txn collects the events of one top-level call
type txn struct {
	events []models.Event
}

// Env is an execution frame. Caller is the account that invoked the frame and
// Self is the account the frame executes as.
type Env struct {
	ctx    context.Context
	domain *Domain
	tx     *txn
	caller common.Address
	self   common.Address
	now    uint32
}

func (e *Env) Context() context.Context { return e.ctx }
func (e *Env) Caller() common.Address   { return e.caller }
func (e *Env) Self() common.Address     { return e.self }
func (e *Env) Store() state.Store       { return e.domain.store }
func (e *Env) Domain() *Domain          { return e.domain }

// Now is the block time of the call; it does not advance within a call
func (e *Env) Now() uint32 { return e.now }

func (e *Env) ChainID() *big.Int { return e.domain.ID() }

// Call returns a frame in which Self calls target
func (e *Env) Call(target common.Address) *Env {
	return &Env{
		ctx:    e.ctx,
		domain: e.domain,
		tx:     e.tx,
		caller: e.self,
		self:   target,
		now:    e.now,
	}
}

// Contract looks up the component deployed at addr
func (e *Env) Contract(addr common.Address) (interface{}, bool) {
	return e.domain.Contract(addr)
}

// Emit appends an event emitted by Self
func (e *Env) Emit(kind models.EventKind, orderID common.Hash, payload interface{}) {
	e.tx.events = append(e.tx.events, models.Event{
		DomainID: e.domain.ID(),
		Emitter:  e.self,
		Kind:     kind,
		OrderID:  orderID,
		Payload:  payload,
	})
}

// Atomic runs fn in a nested savepoint. On error the writes and events made
// by fn are discarded and the error is returned.
func (e *Env) Atomic(fn func() error) error {
	mark := len(e.tx.events)
	err := state.WithTx(e.ctx, e.domain.store, fn)
	if err != nil {
		e.tx.events = e.tx.events[:mark]
	}
	return err
}
