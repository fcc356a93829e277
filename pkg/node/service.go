// Package node wires the configured domain deployments, the event index,
// the refund keeper and the API server into one running service.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/speedrun-hq/speedrun-settlement/pkg/api"
	"github.com/speedrun-hq/speedrun-settlement/pkg/blockchain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/config"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/keeper"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/metrics"
)

// Service is a settlement node
type Service struct {
	cfg         *config.Config
	deployments []*blockchain.Deployment
	index       *index.Index
	keeper      *keeper.Keeper
	api         *api.Server
	logger      logger.Logger
}

// NewService opens the index and every deployment of cfg
func NewService(ctx context.Context, cfg *config.Config, clk clock.Clock, log logger.Logger) (*Service, error) {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	ix, err := index.Open(cfg.IndexPath, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		index:  ix,
		logger: log,
	}

	var (
		refunders []keeper.Refunder
		domains   []api.Domain
	)
	for _, dcfg := range cfg.Deployments {
		d, err := blockchain.NewDeployment(ctx, dcfg, clk, log)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to deploy domain %d: %w", dcfg.ChainID, err)
		}
		d.Domain.Subscribe(ix)
		d.Domain.Subscribe(metrics.Sink{})
		s.deployments = append(s.deployments, d)

		domains = append(domains, d)
		if d.Escrow != nil {
			refunders = append(refunders, d)
		}
	}

	s.keeper = keeper.New(keeper.Config{
		Sender:          cfg.KeeperAddress,
		PollingInterval: cfg.PollingInterval,
		WorkerCount:     cfg.WorkerCount,
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		CircuitBreaker:  cfg.CircuitBreaker,
	}, ix, refunders, clk, log)

	s.api = api.NewServer(api.Config{
		Domains:         domains,
		Index:           ix,
		CircuitBreakers: s.keeper.CircuitBreakers(),
		Keeper:          s.keeper,
		Sender:          cfg.KeeperAddress,
		MetricsAPIKey:   cfg.MetricsAPIKey,
	}, log)

	return s, nil
}

// Deployments returns the deployments served by the node
func (s *Service) Deployments() []*blockchain.Deployment {
	return s.deployments
}

// Keeper returns the refund keeper
func (s *Service) Keeper() *keeper.Keeper {
	return s.keeper
}

// Index returns the event index
func (s *Service) Index() *index.Index {
	return s.index
}

// Handler returns the API handler
func (s *Service) Handler() *api.Server {
	return s.api
}

// Start runs the API server and the keeper until ctx is cancelled or the server fails
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErr := make(chan error, 1)
	go func() {
		err := s.api.RunWithContext(ctx, ":"+s.cfg.APIPort)
		if err != nil {
			s.logger.Error("API server error: %v", err)
			cancel()
		}
		apiErr <- err
	}()

	s.logger.Info("Starting settlement node with %d domains", len(s.deployments))
	s.keeper.Start(ctx)
	return <-apiErr
}

// Close releases every deployment store and the index
func (s *Service) Close() error {
	var errs []error
	for _, d := range s.deployments {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
