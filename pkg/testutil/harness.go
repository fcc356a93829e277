package testutil

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/custody"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/escrow"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle"
	"github.com/speedrun-hq/speedrun-settlement/pkg/outputsettler"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// Fixed component addresses shared by both test domains
var (
	EscrowAddress      = common.HexToAddress("0x00000000000000000000000000000000000e5c01")
	SettlerAddress     = common.HexToAddress("0x0000000000000000000000000000000000005e77")
	PermitAddress      = common.HexToAddress("0x000000000000000000000000000000000000be71")
	OracleAddress      = common.HexToAddress("0x00000000000000000000000000000000000004ac")
	InputToken         = common.HexToAddress("0x000000000000000000000000000000000000a001")
	OutputToken        = common.HexToAddress("0x000000000000000000000000000000000000b001")
	RemoteOracle       = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000004bd")
	OriginChainID      = big.NewInt(1)
	DestinationChainID = big.NewInt(8453)
)

// StartTime is the clock value a harness starts at
const StartTime = 1_700_000_000

// Harness is an origin domain with an escrow and a destination domain with
// an output settler, sharing one manual clock
type Harness struct {
	T     *testing.T
	Ctx   context.Context
	Clock *clock.Manual

	Origin      *chain.Domain
	Destination *chain.Domain

	Ledger   *assets.Ledger
	Escrow   *escrow.Escrow
	Settler  *outputsettler.Settler
	Permit   *custody.PermitContract
	Registry *oracle.Registry

	User    Account
	Solver  Account
	Relayer Account
}

// NewHarness builds both domains on in-memory stores
func NewHarness(t *testing.T) *Harness {
	h := &Harness{
		T:       t,
		Ctx:     context.Background(),
		Clock:   clock.NewManualUnix(StartTime),
		User:    NewAccount(t),
		Solver:  NewAccount(t),
		Relayer: NewAccount(t),
		Ledger:  assets.NewLedger(),
	}
	log := &logger.EmptyLogger{}
	h.Origin = chain.NewDomain(OriginChainID, state.NewMemoryStore(), h.Clock, log)
	h.Destination = chain.NewDomain(DestinationChainID, state.NewMemoryStore(), h.Clock, log)

	h.Permit = custody.NewPermitContract(h.Ledger)
	h.Escrow = escrow.New(h.Ledger, custody.NewPuller(h.Ledger, PermitAddress))
	h.Registry = oracle.NewRegistry(h.Relayer.Address)
	h.Origin.Deploy(EscrowAddress, h.Escrow)
	h.Origin.Deploy(PermitAddress, h.Permit)
	h.Origin.Deploy(OracleAddress, h.Registry)

	h.Settler = outputsettler.New(h.Ledger)
	h.Destination.Deploy(SettlerAddress, h.Settler)
	return h
}

// Exec runs fn as a top-level call from sender
func (h *Harness) Exec(d *chain.Domain, sender common.Address, fn func(env *chain.Env) error) error {
	return d.Execute(h.Ctx, sender, fn)
}

// Mint credits amount of asset to owner
func (h *Harness) Mint(d *chain.Domain, asset, owner common.Address, amount *big.Int) {
	require.NoError(h.T, h.Exec(d, owner, func(env *chain.Env) error {
		return h.Ledger.Mint(env, asset, owner, amount)
	}))
}

// Approve lets spender pull amount of owner's asset
func (h *Harness) Approve(d *chain.Domain, owner, asset, spender common.Address, amount *big.Int) {
	require.NoError(h.T, h.Exec(d, owner, func(env *chain.Env) error {
		return h.Ledger.Approve(env, asset, spender, amount)
	}))
}

// Balance reads owner's balance of asset
func (h *Harness) Balance(d *chain.Domain, asset, owner common.Address) *big.Int {
	var bal *big.Int
	require.NoError(h.T, d.View(h.Ctx, func(env *chain.Env) error {
		var err error
		bal, err = h.Ledger.BalanceOf(env, asset, owner)
		return err
	}))
	return bal
}

// Now is the current harness time
func (h *Harness) Now() uint32 {
	return uint32(h.Clock.Now().Unix())
}

// Advance moves the shared clock forward
func (h *Harness) Advance(seconds uint32) {
	h.Clock.Advance(time.Duration(seconds) * time.Second)
}

// NewOrder describes one input of inputAmount on the origin and one fixed
// price output of outputAmount to the user on the destination
func (h *Harness) NewOrder(inputAmount, outputAmount int64, expiresIn, fillDeadlineIn uint32) models.Order {
	now := h.Now()
	return models.Order{
		User:          h.User.Address,
		Nonce:         big.NewInt(int64(now)),
		OriginChainID: OriginChainID,
		Expires:       now + expiresIn,
		FillDeadline:  now + fillDeadlineIn,
		InputOracle:   OracleAddress,
		Inputs:        []models.Input{{Asset: InputToken, Amount: big.NewInt(inputAmount)}},
		Outputs:       []models.Output{h.NewOutput(outputAmount, nil)},
	}
}

// NewOutput is an output of amount OutputToken to the user through the test settler
func (h *Harness) NewOutput(amount int64, fulfillment []byte) models.Output {
	return models.Output{
		Oracle:    RemoteOracle,
		Settler:   models.AddressToIdentity(SettlerAddress),
		ChainID:   DestinationChainID,
		Token:     models.AddressToIdentity(OutputToken),
		Amount:    big.NewInt(amount),
		Recipient: models.AddressToIdentity(h.User.Address),
		Context:   fulfillment,
	}
}

// FundUser mints the order's inputs to the user and approves the escrow
func (h *Harness) FundUser(order models.Order) {
	for _, in := range order.Inputs {
		h.Mint(h.Origin, in.Asset, order.User, in.Amount)
		h.Approve(h.Origin, order.User, in.Asset, EscrowAddress, in.Amount)
	}
}

// FundSolver mints amount of OutputToken to the solver and approves the settler
func (h *Harness) FundSolver(solver Account, amount int64) {
	h.Mint(h.Destination, OutputToken, solver.Address, big.NewInt(amount))
	h.Approve(h.Destination, solver.Address, OutputToken, SettlerAddress, big.NewInt(amount))
}

// Open opens order as its user
func (h *Harness) Open(order models.Order) (common.Hash, error) {
	var orderID common.Hash
	err := h.Exec(h.Origin, order.User, func(env *chain.Env) error {
		var err error
		orderID, err = h.Escrow.Open(env.Call(EscrowAddress), order)
		return err
	})
	return orderID, err
}

// MustOpen funds the user and opens order
func (h *Harness) MustOpen(order models.Order) common.Hash {
	h.FundUser(order)
	orderID, err := h.Open(order)
	require.NoError(h.T, err)
	return orderID
}

// FillRequest encodes output i of order for the settler
func (h *Harness) FillRequest(order models.Order, i int) []byte {
	req, err := encoding.EncodeFillRequest(encoding.FillRequest{FillDeadline: order.FillDeadline, Output: order.Outputs[i]})
	require.NoError(h.T, err)
	return req
}

// Fill delivers output i of order as solver
func (h *Harness) Fill(solver Account, orderID common.Hash, order models.Order, i int) (models.FillRecord, error) {
	var record models.FillRecord
	err := h.Exec(h.Destination, solver.Address, func(env *chain.Env) error {
		var err error
		record, err = h.Settler.Fill(env.Call(SettlerAddress), orderID, h.FillRequest(order, i), solver.Identity())
		return err
	})
	return record, err
}

// Attest relays proofs for the given fills to the origin registry
func (h *Harness) Attest(order models.Order, orderID common.Hash, solveParams []models.SolveParams) {
	proofs, err := escrow.FillProofs(order, orderID, solveParams)
	require.NoError(h.T, err)
	require.NoError(h.T, h.Exec(h.Origin, h.Relayer.Address, func(env *chain.Env) error {
		return h.Registry.Attest(env.Call(OracleAddress), proofs)
	}))
}

// Finalize settles order as caller
func (h *Harness) Finalize(caller common.Address, order models.Order, solveParams []models.SolveParams, destination common.Address, call []byte) error {
	return h.Exec(h.Origin, caller, func(env *chain.Env) error {
		return h.Escrow.Finalize(env.Call(EscrowAddress), order, solveParams, destination, call)
	})
}

// Refund refunds order as caller
func (h *Harness) Refund(caller common.Address, order models.Order) error {
	return h.Exec(h.Origin, caller, func(env *chain.Env) error {
		return h.Escrow.Refund(env.Call(EscrowAddress), order)
	})
}

// Status reads the escrow status of orderID
func (h *Harness) Status(orderID common.Hash) models.EscrowStatus {
	var status models.EscrowStatus
	require.NoError(h.T, h.Origin.View(h.Ctx, func(env *chain.Env) error {
		var err error
		status, err = h.Escrow.Status(env.Call(EscrowAddress), orderID)
		return err
	}))
	return status
}
