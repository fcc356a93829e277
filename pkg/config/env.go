package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
)

const (
	// DefaultDeploymentsFile is the TOML file describing the served domains
	DefaultDeploymentsFile = "deployments.toml"

	// DefaultIndexPath is the sqlite file of the event index
	DefaultIndexPath = "index.db"

	// DefaultPollingInterval defines the default keeper polling interval in seconds
	DefaultPollingInterval = 5

	// DefaultWorkerCount defines the default number of workers processing refunds
	DefaultWorkerCount = 5

	// DefaultBatchSize defines how many expired orders the keeper queues per domain and poll
	DefaultBatchSize = 100

	// DefaultAPIPort defines the default port for the API server
	DefaultAPIPort = "8080"

	// DefaultKeeperAddress is the account the keeper submits refunds from
	DefaultKeeperAddress = "0x0000000000000000000000000000000000004ee9"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15

	// DefaultMaxRetries defines the maximum number of retries for failed refunds
	DefaultMaxRetries = 3

	// DefaultLogLevel defines the default log level
	DefaultLogLevel = "info"

	// DefaultLogColoring defines whether the std logger colors its output
	DefaultLogColoring = true

	// Log formats: the std logger, or zerolog as json or console text
	LogFormatStd  = "std"
	LogFormatJSON = "json"
	LogFormatText = "text"

	// DefaultLogFormat defines the default log format
	DefaultLogFormat = LogFormatStd
)

// GetEnvDeploymentsFile returns the deployments file path from environment variables
func GetEnvDeploymentsFile() string {
	path := os.Getenv("DEPLOYMENTS_FILE")
	if path == "" {
		return DefaultDeploymentsFile
	}
	return path
}

// GetEnvIndexPath returns the index database path from environment variables
func GetEnvIndexPath() string {
	path := os.Getenv("INDEX_PATH")
	if path == "" {
		return DefaultIndexPath
	}
	return path
}

// GetEnvPollingInterval returns the polling interval in seconds from environment variables
func GetEnvPollingInterval() (time.Duration, error) {
	pollingInterval := os.Getenv("POLLING_INTERVAL")
	if pollingInterval == "" {
		return time.Duration(DefaultPollingInterval) * time.Second, nil
	}

	interval, err := strconv.Atoi(pollingInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid POLLING_INTERVAL value: %s, must be an integer", pollingInterval)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("POLLING_INTERVAL must be greater than 0")
	}
	return time.Duration(interval) * time.Second, nil
}

// GetEnvWorkerCount returns the number of workers from environment variables
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvBatchSize returns the keeper batch size from environment variables
func GetEnvBatchSize() (int, error) {
	return getEnvPositiveInt("KEEPER_BATCH_SIZE", DefaultBatchSize)
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return n, nil
}

// GetEnvAPIPort returns the API server port from environment variables
func GetEnvAPIPort() (string, error) {
	apiPort := os.Getenv("API_PORT")
	if apiPort == "" {
		return DefaultAPIPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(apiPort); err != nil {
		return "", fmt.Errorf("invalid API_PORT value: %s, must be a valid integer", apiPort)
	}
	return apiPort, nil
}

// GetEnvKeeperAddress returns the keeper address from environment variables
func GetEnvKeeperAddress() (common.Address, error) {
	keeperAddress := os.Getenv("KEEPER_ADDRESS")
	if keeperAddress == "" {
		keeperAddress = DefaultKeeperAddress
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(keeperAddress) {
		return common.Address{}, fmt.Errorf("invalid KEEPER_ADDRESS value: %s, must be a valid address", keeperAddress)
	}
	return common.HexToAddress(keeperAddress), nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
}

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	return parsed, nil
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = DefaultLogLevel
	}
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s: %w", level, err)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log output is colored from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

// GetEnvLogFormat returns the log format from environment variables
func GetEnvLogFormat() (string, error) {
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		return DefaultLogFormat, nil
	}
	switch format {
	case LogFormatStd, LogFormatJSON, LogFormatText:
		return format, nil
	}
	return "", fmt.Errorf("invalid LOG_FORMAT value: %s, must be '%s', '%s' or '%s'", format, LogFormatStd, LogFormatJSON, LogFormatText)
}

// GetEnvMetricsAPIKey returns the API key protecting the metrics endpoint, empty disables the check
func GetEnvMetricsAPIKey() string {
	return os.Getenv("METRICS_API_KEY")
}
