package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
)

const sampleDeployments = `
[[domain]]
name = "origin"
chain_id = 1
store = ":memory:"
escrow = "0x00000000000000000000000000000000000e5c40"
permit = "0x000000000000000000000000000000000000beef"
oracle = "0x00000000000000000000000000000000000a1a75"
relayers = ["0x0000000000000000000000000000000000000f11"]

[[domain]]
chain_id = 8453
settler = "0x0000000000000000000000000000000000005e77"
`

func writeDeployments(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployments.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseDeployments(t *testing.T) {
	configs, err := ParseDeployments([]byte(sampleDeployments))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	origin := configs[0]
	assert.Equal(t, "origin", origin.Name)
	assert.Equal(t, 1, origin.ChainID)
	assert.Equal(t, ":memory:", origin.StorePath)
	assert.Equal(t, common.HexToAddress("0xe5c40"), origin.Escrow)
	assert.Equal(t, common.HexToAddress("0xbeef"), origin.Permit)
	assert.Equal(t, common.HexToAddress("0xa1a75"), origin.Oracle)
	assert.Equal(t, []common.Address{common.HexToAddress("0xf11")}, origin.Relayers)
	assert.Equal(t, common.Address{}, origin.Settler)

	destination := configs[1]
	assert.Equal(t, "domain-8453", destination.Name)
	assert.Equal(t, common.HexToAddress("0x5e77"), destination.Settler)
	assert.Equal(t, common.Address{}, destination.Escrow)
}

func TestParseDeploymentsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing chain id",
			content: "[[domain]]\nname = \"x\"\n",
			errMsg:  "chain_id must be greater than 0",
		},
		{
			name:    "duplicate chain id",
			content: "[[domain]]\nchain_id = 1\n[[domain]]\nchain_id = 1\n",
			errMsg:  "duplicate chain_id 1",
		},
		{
			name:    "invalid address",
			content: "[[domain]]\nchain_id = 1\nsettler = \"nope\"\n",
			errMsg:  "settler: invalid address",
		},
		{
			name:    "invalid relayer",
			content: "[[domain]]\nchain_id = 1\nrelayers = [\"0x12\"]\n",
			errMsg:  "invalid relayer address",
		},
		{
			name:    "escrow without oracle",
			content: "[[domain]]\nchain_id = 1\nescrow = \"0x00000000000000000000000000000000000e5c40\"\n",
			errMsg:  "an escrow requires an oracle",
		},
		{
			name:    "unknown field",
			content: "[[domain]]\nchain_id = 1\nrpc = \"http://localhost\"\n",
			errMsg:  "failed to decode deployments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDeployments([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadDeploymentsMissingFile(t *testing.T) {
	_, err := LoadDeployments(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read deployments file")
}

func TestLoadConfig(t *testing.T) {
	path := writeDeployments(t, sampleDeployments)

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, path, cfg.DeploymentsFile)
		assert.Len(t, cfg.Deployments, 2)
		assert.Equal(t, DefaultIndexPath, cfg.IndexPath)
		assert.Equal(t, DefaultPollingInterval*time.Second, cfg.PollingInterval)
		assert.Equal(t, common.HexToAddress(DefaultKeeperAddress), cfg.KeeperAddress)
		assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
		assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
		assert.Equal(t, DefaultAPIPort, cfg.APIPort)
		assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
		assert.True(t, cfg.CircuitBreaker.Enabled)
		assert.Equal(t, DefaultCircuitBreakerThreshold, cfg.CircuitBreaker.Threshold)
		assert.Equal(t, logger.InfoLevel, cfg.LoggerConfig.Level)
		assert.Equal(t, LogFormatStd, cfg.LoggerConfig.Format)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("POLLING_INTERVAL", "2")
		t.Setenv("WORKER_COUNT", "3")
		t.Setenv("API_PORT", "9090")
		t.Setenv("KEEPER_ADDRESS", "0x0000000000000000000000000000000000000abc")
		t.Setenv("CIRCUIT_BREAKER_ENABLED", "false")
		t.Setenv("CIRCUIT_BREAKER_WINDOW", "1m")
		t.Setenv("MAX_RETRIES", "0")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "json")
		t.Setenv("METRICS_API_KEY", "secret")
		t.Setenv("INDEX_PATH", ":memory:")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 2*time.Second, cfg.PollingInterval)
		assert.Equal(t, 3, cfg.WorkerCount)
		assert.Equal(t, "9090", cfg.APIPort)
		assert.Equal(t, common.HexToAddress("0xabc"), cfg.KeeperAddress)
		assert.False(t, cfg.CircuitBreaker.Enabled)
		assert.Equal(t, time.Minute, cfg.CircuitBreaker.WindowDuration)
		assert.Equal(t, 0, cfg.MaxRetries)
		assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
		assert.Equal(t, LogFormatJSON, cfg.LoggerConfig.Format)
		assert.Equal(t, "secret", cfg.MetricsAPIKey)
		assert.Equal(t, ":memory:", cfg.IndexPath)
	})

	t.Run("deployments file from environment", func(t *testing.T) {
		t.Setenv("DEPLOYMENTS_FILE", path)
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, path, cfg.DeploymentsFile)
	})

	t.Run("empty deployments", func(t *testing.T) {
		_, err := LoadConfig(writeDeployments(t, ""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one domain deployment is required")
	})
}

func TestEnvValidation(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		load   func() error
		errMsg string
	}{
		{
			name:   "non numeric polling interval",
			key:    "POLLING_INTERVAL",
			value:  "soon",
			load:   func() error { _, err := GetEnvPollingInterval(); return err },
			errMsg: "invalid POLLING_INTERVAL",
		},
		{
			name:   "zero workers",
			key:    "WORKER_COUNT",
			value:  "0",
			load:   func() error { _, err := GetEnvWorkerCount(); return err },
			errMsg: "WORKER_COUNT must be greater than 0",
		},
		{
			name:   "bad port",
			key:    "API_PORT",
			value:  "http",
			load:   func() error { _, err := GetEnvAPIPort(); return err },
			errMsg: "invalid API_PORT",
		},
		{
			name:   "bad keeper address",
			key:    "KEEPER_ADDRESS",
			value:  "0x1234",
			load:   func() error { _, err := GetEnvKeeperAddress(); return err },
			errMsg: "invalid KEEPER_ADDRESS",
		},
		{
			name:   "bad boolean",
			key:    "CIRCUIT_BREAKER_ENABLED",
			value:  "yes",
			load:   func() error { _, err := GetEnvCircuitBreakerEnabled(); return err },
			errMsg: "must be 'true' or 'false'",
		},
		{
			name:   "bad duration",
			key:    "CIRCUIT_BREAKER_RESET",
			value:  "15",
			load:   func() error { _, err := GetEnvCircuitBreakerReset(); return err },
			errMsg: "invalid CIRCUIT_BREAKER_RESET",
		},
		{
			name:   "negative retries",
			key:    "MAX_RETRIES",
			value:  "-1",
			load:   func() error { _, err := GetEnvMaxRetries(); return err },
			errMsg: "MAX_RETRIES must be greater than or equal to 0",
		},
		{
			name:   "unknown log level",
			key:    "LOG_LEVEL",
			value:  "verbose",
			load:   func() error { _, err := GetEnvLogLevel(); return err },
			errMsg: "invalid LOG_LEVEL",
		},
		{
			name:   "unknown log format",
			key:    "LOG_FORMAT",
			value:  "xml",
			load:   func() error { _, err := GetEnvLogFormat(); return err },
			errMsg: "invalid LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := tt.load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
