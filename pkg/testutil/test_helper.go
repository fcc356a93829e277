package testutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// Constants for testing
const (
	DefaultTestTimeout = 5 * time.Second
)

// Account is a keyed test account
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// Identity is the account's cross-domain identity
func (a Account) Identity() common.Hash {
	return models.AddressToIdentity(a.Address)
}

// NewAccount generates a fresh keyed account
func NewAccount(t *testing.T) Account {
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	return Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// AssertBigIntEqual compares two big.Int values for equality in tests
func AssertBigIntEqual(t *testing.T, expected, actual *big.Int, msgAndArgs ...interface{}) {
	if expected == nil && actual == nil {
		return
	}

	if (expected == nil && actual != nil) || (expected != nil && actual == nil) {
		assert.Fail(t, "Values not equal", msgAndArgs...)
		return
	}

	assert.Equal(t, 0, expected.Cmp(actual), "expected %s, got %s %v", expected, actual, msgAndArgs)
}

// SetupTestWithTimeout creates a test with a timeout
func SetupTestWithTimeout(t *testing.T) (func(), context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)

	cleanup := func() {
		cancel()
	}

	return cleanup, ctx, cancel
}
