package oracle

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

// Registry stores attestations submitted by trusted relayers and answers
// RequireProven from them. Methods take the registry's own frame.
type Registry struct {
	mu       sync.RWMutex
	relayers map[common.Address]bool
}

var _ Verifier = (*Registry)(nil)

// NewRegistry creates a registry accepting attestations from relayers
func NewRegistry(relayers ...common.Address) *Registry {
	r := &Registry{relayers: make(map[common.Address]bool)}
	for _, addr := range relayers {
		r.relayers[addr] = true
	}
	return r
}

// AddRelayer trusts another relayer
func (r *Registry) AddRelayer(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayers[addr] = true
}

func (r *Registry) isRelayer(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayers[addr]
}

// Attest records proofs. Only a trusted relayer may call it.
func (r *Registry) Attest(env *chain.Env, proofs []FillProof) error {
	if !r.isRelayer(env.Caller()) {
		return fmt.Errorf("%w: %s is not a relayer", models.ErrUnauthorized, env.Caller().Hex())
	}
	for _, p := range proofs {
		if p.ChainID == nil {
			return fmt.Errorf("%w: proof without chain id", models.ErrMalformedEncoding)
		}
		if err := env.Store().Put(env.Context(), state.TableAttestations, state.Key(env.Self().Bytes(), p.Key()), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// IsProven reports whether a single proof has been attested
func (r *Registry) IsProven(env *chain.Env, p FillProof) (bool, error) {
	if p.ChainID == nil {
		return false, nil
	}
	_, found, err := env.Store().Get(env.Context(), state.TableAttestations, state.Key(env.Self().Bytes(), p.Key()))
	return found, err
}

func (r *Registry) RequireProven(env *chain.Env, proofs []FillProof) error {
	for i, p := range proofs {
		proven, err := r.IsProven(env, p)
		if err != nil {
			return err
		}
		if !proven {
			return fmt.Errorf("%w: proof %d digest %s", models.ErrNotProven, i, p.Digest.Hex())
		}
	}
	return nil
}
