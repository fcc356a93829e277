package oracle_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle/oracletest"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

var (
	registryAddr = common.HexToAddress("0x04ac")
	relayer      = common.HexToAddress("0x4e1a")
	stranger     = common.HexToAddress("0x5742")
)

func proof(digest string) oracle.FillProof {
	return oracle.FillProof{
		ChainID: big.NewInt(8453),
		Oracle:  common.HexToHash("0x04bd"),
		Settler: common.HexToHash("0x5e77"),
		Digest:  common.HexToHash(digest),
	}
}

func setup(t *testing.T) (*chain.Domain, *oracle.Registry) {
	d := chain.NewDomain(big.NewInt(1), state.NewMemoryStore(), clock.NewManualUnix(0), nil)
	r := oracle.NewRegistry(relayer)
	d.Deploy(registryAddr, r)
	return d, r
}

func attest(d *chain.Domain, r *oracle.Registry, sender common.Address, proofs ...oracle.FillProof) error {
	return d.Execute(context.Background(), sender, func(env *chain.Env) error {
		return r.Attest(env.Call(registryAddr), proofs)
	})
}

func requireProven(d *chain.Domain, r *oracle.Registry, proofs ...oracle.FillProof) error {
	return d.View(context.Background(), func(env *chain.Env) error {
		return r.RequireProven(env.Call(registryAddr), proofs)
	})
}

func TestRegistryAttest(t *testing.T) {
	d, r := setup(t)

	assert.ErrorIs(t, requireProven(d, r, proof("0x01")), models.ErrNotProven)
	require.NoError(t, attest(d, r, relayer, proof("0x01"), proof("0x02")))

	assert.NoError(t, requireProven(d, r, proof("0x01")))
	assert.NoError(t, requireProven(d, r, proof("0x02"), proof("0x01")))
	assert.NoError(t, requireProven(d, r))
	assert.ErrorIs(t, requireProven(d, r, proof("0x01"), proof("0x03")), models.ErrNotProven)
}

func TestRegistryProofFieldsAreBound(t *testing.T) {
	d, r := setup(t)
	require.NoError(t, attest(d, r, relayer, proof("0x01")))

	tests := map[string]func(p *oracle.FillProof){
		"chain":   func(p *oracle.FillProof) { p.ChainID = big.NewInt(10) },
		"oracle":  func(p *oracle.FillProof) { p.Oracle = common.HexToHash("0x99") },
		"settler": func(p *oracle.FillProof) { p.Settler = common.HexToHash("0x99") },
		"digest":  func(p *oracle.FillProof) { p.Digest = common.HexToHash("0x99") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := proof("0x01")
			mutate(&p)
			assert.ErrorIs(t, requireProven(d, r, p), models.ErrNotProven)
		})
	}
}

func TestRegistryRejectsUnknownRelayer(t *testing.T) {
	d, r := setup(t)

	assert.ErrorIs(t, attest(d, r, stranger, proof("0x01")), models.ErrUnauthorized)
	assert.ErrorIs(t, requireProven(d, r, proof("0x01")), models.ErrNotProven)

	r.AddRelayer(stranger)
	assert.NoError(t, attest(d, r, stranger, proof("0x01")))
}

func TestRegistryRejectsProofWithoutChain(t *testing.T) {
	d, r := setup(t)
	p := proof("0x01")
	p.ChainID = nil
	assert.ErrorIs(t, attest(d, r, relayer, p), models.ErrMalformedEncoding)
}

func TestLookup(t *testing.T) {
	d, _ := setup(t)
	d.Deploy(common.HexToAddress("0xa1"), &oracletest.AlwaysProven{})
	d.Deploy(common.HexToAddress("0xa2"), "not a verifier")

	require.NoError(t, d.View(context.Background(), func(env *chain.Env) error {
		_, err := oracle.Lookup(env, registryAddr)
		assert.NoError(t, err)
		_, err = oracle.Lookup(env, common.HexToAddress("0xa1"))
		assert.NoError(t, err)
		_, err = oracle.Lookup(env, common.HexToAddress("0xa2"))
		assert.ErrorIs(t, err, models.ErrUnknownOracle)
		_, err = oracle.Lookup(env, common.HexToAddress("0xa3"))
		assert.ErrorIs(t, err, models.ErrUnknownOracle)
		return nil
	}))
}
