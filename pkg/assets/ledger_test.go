package assets_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/assets"
	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
	"github.com/speedrun-hq/speedrun-settlement/pkg/testutil"
)

var token = common.HexToAddress("0x000000000000000000000000000000000000f00d")

type fixture struct {
	t      *testing.T
	domain *chain.Domain
	clock  *clock.Manual
	ledger *assets.Ledger
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewManualUnix(10_000)
	return &fixture{
		t:      t,
		domain: chain.NewDomain(big.NewInt(1), state.NewMemoryStore(), clk, nil),
		clock:  clk,
		ledger: assets.NewLedger(),
	}
}

func (f *fixture) exec(sender common.Address, fn func(env *chain.Env) error) error {
	return f.domain.Execute(context.Background(), sender, fn)
}

func (f *fixture) mint(to common.Address, amount int64) {
	require.NoError(f.t, f.exec(to, func(env *chain.Env) error {
		return f.ledger.Mint(env, token, to, big.NewInt(amount))
	}))
}

func (f *fixture) balance(owner common.Address) *big.Int {
	var bal *big.Int
	require.NoError(f.t, f.domain.View(context.Background(), func(env *chain.Env) error {
		var err error
		bal, err = f.ledger.BalanceOf(env, token, owner)
		return err
	}))
	return bal
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	alice, bob := testutil.GenerateAddress(), testutil.GenerateAddress()
	f.mint(alice, 100)

	require.NoError(t, f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, bob, big.NewInt(30))
	}))
	testutil.AssertBigIntEqual(t, big.NewInt(70), f.balance(alice))
	testutil.AssertBigIntEqual(t, big.NewInt(30), f.balance(bob))

	err := f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, bob, big.NewInt(71))
	})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	err = f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, common.Address{}, big.NewInt(1))
	})
	assert.Error(t, err)

	err = f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, bob, big.NewInt(-1))
	})
	assert.ErrorIs(t, err, models.ErrMalformedEncoding)
	testutil.AssertBigIntEqual(t, big.NewInt(70), f.balance(alice))
}

func TestAmountsAreBoundedTo256Bits(t *testing.T) {
	f := newFixture(t)
	alice, bob := testutil.GenerateAddress(), testutil.GenerateAddress()
	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	err := f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Mint(env, token, alice, new(big.Int).Add(maxWord, big.NewInt(101)))
	})
	assert.ErrorIs(t, err, models.ErrMalformedEncoding)

	require.NoError(t, f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Mint(env, token, alice, maxWord)
	}))
	err = f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Mint(env, token, alice, big.NewInt(1))
	})
	assert.ErrorIs(t, err, models.ErrMalformedEncoding)

	f.mint(bob, 1)
	err = f.exec(bob, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, alice, big.NewInt(1))
	})
	assert.ErrorIs(t, err, models.ErrMalformedEncoding)
	testutil.AssertBigIntEqual(t, maxWord, f.balance(alice))
	testutil.AssertBigIntEqual(t, big.NewInt(1), f.balance(bob))

	err = f.exec(alice, func(env *chain.Env) error {
		return f.ledger.TransferFrom(env, token, bob, alice, new(big.Int).Lsh(big.NewInt(1), 256))
	})
	assert.ErrorIs(t, err, models.ErrMalformedEncoding)
}

func TestTransferFromAllowance(t *testing.T) {
	f := newFixture(t)
	owner, spender, to := testutil.GenerateAddress(), testutil.GenerateAddress(), testutil.GenerateAddress()
	f.mint(owner, 100)

	pull := func(amount int64) error {
		return f.exec(spender, func(env *chain.Env) error {
			return f.ledger.TransferFrom(env, token, owner, to, big.NewInt(amount))
		})
	}

	assert.ErrorIs(t, pull(1), models.ErrInsufficientAllow)

	require.NoError(t, f.exec(owner, func(env *chain.Env) error {
		return f.ledger.Approve(env, token, spender, big.NewInt(60))
	}))
	require.NoError(t, pull(40))
	assert.ErrorIs(t, pull(21), models.ErrInsufficientAllow)
	require.NoError(t, pull(20))

	var left *big.Int
	require.NoError(t, f.domain.View(context.Background(), func(env *chain.Env) error {
		var err error
		left, err = f.ledger.Allowance(env, token, owner, spender)
		return err
	}))
	testutil.AssertBigIntEqual(t, big.NewInt(0), left)
	testutil.AssertBigIntEqual(t, big.NewInt(60), f.balance(to))

	// moving one's own funds needs no allowance
	require.NoError(t, f.exec(owner, func(env *chain.Env) error {
		return f.ledger.TransferFrom(env, token, owner, to, big.NewInt(40))
	}))
	testutil.AssertBigIntEqual(t, big.NewInt(0), f.balance(owner))
}

type hookRecorder struct {
	asset, from common.Address
	amount      *big.Int
	caller      common.Address
	fail        error
}

func (h *hookRecorder) OnAssetReceived(env *chain.Env, asset, from common.Address, amount *big.Int) error {
	h.asset, h.from, h.amount, h.caller = asset, from, amount, env.Caller()
	return h.fail
}

func TestReceiverHook(t *testing.T) {
	f := newFixture(t)
	alice := testutil.GenerateAddress()
	receiverAddr := testutil.GenerateAddress()
	hook := &hookRecorder{}
	f.domain.Deploy(receiverAddr, hook)
	f.mint(alice, 10)

	require.NoError(t, f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, receiverAddr, big.NewInt(4))
	}))
	assert.Equal(t, token, hook.asset)
	assert.Equal(t, alice, hook.from)
	assert.Equal(t, token, hook.caller)
	testutil.AssertBigIntEqual(t, big.NewInt(4), hook.amount)

	hook.fail = assert.AnError
	err := f.exec(alice, func(env *chain.Env) error {
		return f.ledger.Transfer(env, token, receiverAddr, big.NewInt(4))
	})
	assert.ErrorIs(t, err, assert.AnError)
	testutil.AssertBigIntEqual(t, big.NewInt(4), f.balance(receiverAddr))
	testutil.AssertBigIntEqual(t, big.NewInt(6), f.balance(alice))
}

func TestTransferWithAuthorization(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewAccount(t)
	relayer, to := testutil.GenerateAddress(), testutil.GenerateAddress()
	f.mint(user.Address, 100)

	auth := assets.Authorization{
		From:        user.Address,
		To:          to,
		Value:       big.NewInt(25),
		ValidAfter:  9_000,
		ValidBefore: 11_000,
		Nonce:       common.HexToHash("0xabc"),
	}
	sig, err := auth.Sign(big.NewInt(1), token, user.Key)
	require.NoError(t, err)

	submit := func(a assets.Authorization, s []byte) error {
		return f.exec(relayer, func(env *chain.Env) error {
			return f.ledger.TransferWithAuthorization(env, token, a, s)
		})
	}

	tampered := auth
	tampered.Value = big.NewInt(26)
	assert.ErrorIs(t, submit(tampered, sig), models.ErrInvalidSignature)

	otherChainSig, err := auth.Sign(big.NewInt(2), token, user.Key)
	require.NoError(t, err)
	assert.ErrorIs(t, submit(auth, otherChainSig), models.ErrInvalidSignature)

	require.NoError(t, submit(auth, sig))
	testutil.AssertBigIntEqual(t, big.NewInt(25), f.balance(to))
	assert.ErrorIs(t, submit(auth, sig), models.ErrNonceUsed)

	late := auth
	late.Nonce = common.HexToHash("0xdef")
	lateSig, err := late.Sign(big.NewInt(1), token, user.Key)
	require.NoError(t, err)
	f.clock.Advance(1000 * time.Second)
	assert.ErrorIs(t, submit(late, lateSig), models.ErrAuthorizationWindow)
}

func TestTransferWithAuthorizationNotYetValid(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewAccount(t)
	f.mint(user.Address, 100)

	auth := assets.Authorization{
		From:        user.Address,
		To:          testutil.GenerateAddress(),
		Value:       big.NewInt(1),
		ValidAfter:  10_000,
		ValidBefore: 20_000,
		Nonce:       common.HexToHash("0x01"),
	}
	sig, err := auth.Sign(big.NewInt(1), token, user.Key)
	require.NoError(t, err)

	err = f.exec(user.Address, func(env *chain.Env) error {
		return f.ledger.TransferWithAuthorization(env, token, auth, sig)
	})
	assert.ErrorIs(t, err, models.ErrAuthorizationWindow)
}
