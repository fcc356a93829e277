package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/custody"
	"github.com/speedrun-hq/speedrun-settlement/pkg/escrow"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle"
	"github.com/speedrun-hq/speedrun-settlement/pkg/outputsettler"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// MemoryStorePath selects an in-memory store
const MemoryStorePath = ":memory:"

// ErrNotDeployed is returned when a domain lacks the component an operation needs
var ErrNotDeployed = errors.New("component not deployed")

// DeploymentConfig holds the configuration for the settlement stack of one domain.
// A zero component address leaves that component undeployed.
type DeploymentConfig struct {
	Name      string
	ChainID   int
	StorePath string
	Escrow    common.Address
	Settler   common.Address
	Permit    common.Address
	Oracle    common.Address
	Relayers  []common.Address
}

// Deployment is a domain together with the settlement components deployed on it
type Deployment struct {
	Config   DeploymentConfig
	Domain   *chain.Domain
	Ledger   *assets.Ledger
	Escrow   *escrow.Escrow
	Settler  *outputsettler.Settler
	Registry *oracle.Registry
}

// NewDeployment opens the domain store and deploys the configured components
func NewDeployment(ctx context.Context, cfg DeploymentConfig, clk clock.Clock, log logger.Logger) (*Deployment, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	var store state.Store
	if cfg.StorePath == "" || cfg.StorePath == MemoryStorePath {
		store = state.NewMemoryStore()
	} else {
		sqlStore, err := state.OpenSQLite(ctx, cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store for domain %d: %w", cfg.ChainID, err)
		}
		store = sqlStore
	}

	d := &Deployment{
		Config: cfg,
		Domain: chain.NewDomain(big.NewInt(int64(cfg.ChainID)), store, clk, log),
		Ledger: assets.NewLedger(),
	}

	if cfg.Permit != (common.Address{}) {
		d.Domain.Deploy(cfg.Permit, custody.NewPermitContract(d.Ledger))
	}
	if cfg.Oracle != (common.Address{}) {
		d.Registry = oracle.NewRegistry(cfg.Relayers...)
		d.Domain.Deploy(cfg.Oracle, d.Registry)
	}
	if cfg.Escrow != (common.Address{}) {
		d.Escrow = escrow.New(d.Ledger, custody.NewPuller(d.Ledger, cfg.Permit))
		d.Domain.Deploy(cfg.Escrow, d.Escrow)
	}
	if cfg.Settler != (common.Address{}) {
		d.Settler = outputsettler.New(d.Ledger)
		d.Domain.Deploy(cfg.Settler, d.Settler)
	}

	log.InfoWithChain(cfg.ChainID, "Deployed %s: escrow=%s settler=%s oracle=%s",
		cfg.Name, cfg.Escrow.Hex(), cfg.Settler.Hex(), cfg.Oracle.Hex())
	return d, nil
}

// ChainID returns the domain id
func (d *Deployment) ChainID() int {
	return d.Config.ChainID
}

// Name returns the configured domain name
func (d *Deployment) Name() string {
	return d.Config.Name
}

func (d *Deployment) requireEscrow() error {
	if d.Escrow == nil {
		return fmt.Errorf("%w: no escrow on domain %d", ErrNotDeployed, d.Config.ChainID)
	}
	return nil
}

// Status reads the escrow status of orderID
func (d *Deployment) Status(ctx context.Context, orderID common.Hash) (models.EscrowStatus, error) {
	if err := d.requireEscrow(); err != nil {
		return models.StatusUnopened, err
	}
	var status models.EscrowStatus
	err := d.Domain.View(ctx, func(env *chain.Env) error {
		var err error
		status, err = d.Escrow.Status(env.Call(d.Config.Escrow), orderID)
		return err
	})
	return status, err
}

// FillRecord reads the fill record of one output from the output settler
func (d *Deployment) FillRecord(ctx context.Context, orderID, outputHash common.Hash) (models.FillRecord, error) {
	if d.Settler == nil {
		return models.FillRecord{}, fmt.Errorf("%w: no output settler on domain %d", ErrNotDeployed, d.Config.ChainID)
	}
	var record models.FillRecord
	err := d.Domain.View(ctx, func(env *chain.Env) error {
		var err error
		record, err = d.Settler.FillRecord(env.Call(d.Config.Settler), orderID, outputHash)
		return err
	})
	return record, err
}

// Refund submits a refund of order as sender
func (d *Deployment) Refund(ctx context.Context, sender common.Address, order models.Order) error {
	if err := d.requireEscrow(); err != nil {
		return err
	}
	return d.Domain.Execute(ctx, sender, func(env *chain.Env) error {
		return d.Escrow.Refund(env.Call(d.Config.Escrow), order)
	})
}

// Close releases the domain store
func (d *Deployment) Close() error {
	return d.Domain.Close()
}
