// Package chain models an execution domain: a clock, a transactional store,
// deployed components addressed by account, and an event log. Calls run in
// frames that can re-enter other components the way contract calls do.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// EventSink receives events of successfully executed calls, in emission order
type EventSink interface {
	HandleEvent(ctx context.Context, event models.Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, event models.Event)

func (f EventSinkFunc) HandleEvent(ctx context.Context, event models.Event) {
	f(ctx, event)
}

// Domain is one independent execution environment
type Domain struct {
	id     *big.Int
	store  state.Store
	clock  clock.Clock
	logger logger.Logger

	// mu sequences top-level calls
	mu sync.Mutex

	registryMu sync.RWMutex
	contracts  map[common.Address]interface{}
	sinks      []EventSink
}

// NewDomain creates a domain over store. The domain takes ownership of the store.
func NewDomain(id *big.Int, store state.Store, clk clock.Clock, log logger.Logger) *Domain {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Domain{
		id:        new(big.Int).Set(id),
		store:     store,
		clock:     clk,
		logger:    log,
		contracts: make(map[common.Address]interface{}),
	}
}

// ID returns the domain identifier
func (d *Domain) ID() *big.Int {
	return new(big.Int).Set(d.id)
}

// Now returns the current domain time in unix seconds
func (d *Domain) Now() uint32 {
	return uint32(d.clock.Now().Unix())
}

// Deploy registers a component at addr
func (d *Domain) Deploy(addr common.Address, component interface{}) {
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	d.contracts[addr] = component
}

// Contract returns the component deployed at addr
func (d *Domain) Contract(addr common.Address) (interface{}, bool) {
	d.registryMu.RLock()
	defer d.registryMu.RUnlock()
	c, ok := d.contracts[addr]
	return c, ok
}

// Subscribe adds a sink for committed events
func (d *Domain) Subscribe(sink EventSink) {
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Execute runs fn as a top-level call sent by sender. Every state change and
// event of the call is discarded if fn returns an error.
func (d *Domain) Execute(ctx context.Context, sender common.Address, fn func(env *Env) error) error {
	events, err := d.run(ctx, sender, fn, true)
	if err != nil {
		return err
	}
	d.publish(ctx, events)
	return nil
}

// View runs fn against current state and discards anything it writes
func (d *Domain) View(ctx context.Context, fn func(env *Env) error) error {
	_, err := d.run(ctx, common.Address{}, fn, false)
	return err
}

func (d *Domain) run(ctx context.Context, sender common.Address, fn func(env *Env) error, commit bool) ([]models.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sp, err := d.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin call: %w", err)
	}

	tx := &txn{}
	env := &Env{
		ctx:    ctx,
		domain: d,
		tx:     tx,
		caller: sender,
		self:   sender,
		now:    d.Now(),
	}

	callErr := d.invoke(env, fn)
	if callErr != nil || !commit {
		if rbErr := d.store.Rollback(ctx, sp); rbErr != nil {
			d.logger.ErrorWithChain(int(d.id.Int64()), "Failed to roll back call: %v", rbErr)
			if callErr == nil {
				callErr = rbErr
			}
		}
		return nil, callErr
	}

	if err := d.store.Commit(ctx, sp); err != nil {
		return nil, fmt.Errorf("failed to commit call: %w", err)
	}
	return tx.events, nil
}

// invoke converts a panic in fn into an error so the savepoint is always closed
func (d *Domain) invoke(env *Env, fn func(env *Env) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call panicked: %v", r)
		}
	}()
	return fn(env)
}

func (d *Domain) publish(ctx context.Context, events []models.Event) {
	if len(events) == 0 {
		return
	}
	d.registryMu.RLock()
	sinks := append([]EventSink(nil), d.sinks...)
	d.registryMu.RUnlock()

	for _, ev := range events {
		for _, sink := range sinks {
			sink.HandleEvent(ctx, ev)
		}
	}
}

// Close closes the underlying store
func (d *Domain) Close() error {
	return d.store.Close()
}
