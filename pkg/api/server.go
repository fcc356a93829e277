// Package api serves the node's HTTP surface: health and readiness probes,
// circuit breaker control, Prometheus metrics and read access to escrow
// state and indexed orders, plus a refund trigger for expired orders.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedrun-hq/speedrun-settlement/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// Domain is the escrow and settler surface of one deployment
type Domain interface {
	ChainID() int
	Name() string
	Status(ctx context.Context, orderID common.Hash) (models.EscrowStatus, error)
	FillRecord(ctx context.Context, orderID, outputHash common.Hash) (models.FillRecord, error)
	Refund(ctx context.Context, sender common.Address, order models.Order) error
}

// Index is the indexed view of committed events
type Index interface {
	Ping(ctx context.Context) error
	Order(ctx context.Context, domainID int, orderID common.Hash) (index.Entry, error)
	Fill(ctx context.Context, domainID int, orderID, outputHash common.Hash) (index.FillEntry, error)
	Purchasers(ctx context.Context, domainID int, orderID common.Hash) ([]common.Hash, error)
}

// KeeperStats reports the refund keeper's queues
type KeeperStats interface {
	Stats() (inFlight, retrying, abandoned int)
}

// Config holds the server dependencies
type Config struct {
	Domains         []Domain
	Index           Index
	CircuitBreakers map[int]*circuitbreaker.CircuitBreaker
	Keeper          KeeperStats
	// Sender is the account refunds are submitted from
	Sender        common.Address
	MetricsAPIKey string
}

// Server is the HTTP API of the node
type Server struct {
	domains         map[int]Domain
	index           Index
	circuitBreakers map[int]*circuitbreaker.CircuitBreaker
	keeper          KeeperStats
	sender          common.Address
	metricsAPIKey   string
	logger          logger.Logger
	router          *gin.Engine
}

// NewServer creates a new API server
func NewServer(cfg Config, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	s := &Server{
		domains:         make(map[int]Domain, len(cfg.Domains)),
		index:           cfg.Index,
		circuitBreakers: cfg.CircuitBreakers,
		keeper:          cfg.Keeper,
		sender:          cfg.Sender,
		metricsAPIKey:   cfg.MetricsAPIKey,
		logger:          log,
	}
	for _, d := range cfg.Domains {
		s.domains[d.ChainID()] = d
	}
	if s.circuitBreakers == nil {
		s.circuitBreakers = make(map[int]*circuitbreaker.CircuitBreaker)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/status", s.status)
	router.POST("/circuit/reset", s.resetCircuit)

	// Expose Prometheus metrics with API key authentication
	router.GET("/metrics", s.metricsAuth(), gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/domains/:domain")
	v1.GET("/orders/:id", s.getOrder)
	v1.POST("/orders/:id/refund", s.refundOrder)
	v1.GET("/fills/:id/:outputHash", s.getFill)

	return router
}

// RunWithContext serves on addr until ctx is cancelled
func (s *Server) RunWithContext(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful server shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown error: %v", err)
		}
	}()

	s.logger.Info("Starting API server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
