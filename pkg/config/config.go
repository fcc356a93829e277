package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/speedrun-hq/speedrun-settlement/pkg/blockchain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
)

// Config holds the configuration for the settlement node
type Config struct {
	DeploymentsFile string
	Deployments     []blockchain.DeploymentConfig
	IndexPath       string
	PollingInterval time.Duration
	KeeperAddress   common.Address
	WorkerCount     int
	BatchSize       int
	APIPort         string
	MetricsAPIKey   string
	CircuitBreaker  circuitbreaker.Config
	MaxRetries      int
	LoggerConfig    LoggerConfig
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	Format   string
}

// LoadConfig loads the configuration from environment variables and the deployments file.
// A non-empty deploymentsFile takes precedence over DEPLOYMENTS_FILE.
func LoadConfig(deploymentsFile string) (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	if deploymentsFile == "" {
		deploymentsFile = GetEnvDeploymentsFile()
	}

	pollingInterval, err := GetEnvPollingInterval()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	batchSize, err := GetEnvBatchSize()
	if err != nil {
		return nil, err
	}

	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}

	keeperAddress, err := GetEnvKeeperAddress()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	logFormat, err := GetEnvLogFormat()
	if err != nil {
		return nil, err
	}

	deployments, err := LoadDeployments(deploymentsFile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DeploymentsFile: deploymentsFile,
		Deployments:     deployments,
		IndexPath:       GetEnvIndexPath(),
		PollingInterval: pollingInterval,
		KeeperAddress:   keeperAddress,
		WorkerCount:     workerCount,
		BatchSize:       batchSize,
		APIPort:         apiPort,
		MetricsAPIKey:   GetEnvMetricsAPIKey(),
		CircuitBreaker: circuitbreaker.Config{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		MaxRetries: maxRetries,
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
			Format:   logFormat,
		},
	}

	// Validate required settings
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if len(cfg.Deployments) == 0 {
		return fmt.Errorf("at least one domain deployment is required in %s", cfg.DeploymentsFile)
	}
	if cfg.KeeperAddress == (common.Address{}) {
		return fmt.Errorf("KEEPER_ADDRESS must not be the zero address")
	}
	if cfg.IndexPath == "" {
		return fmt.Errorf("INDEX_PATH is required")
	}
	return nil
}
