// Package oracletest provides Verifier doubles for settlement tests
package oracletest

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/chain"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/oracle"
)

// AlwaysProven accepts every series and remembers what it was asked
type AlwaysProven struct {
	mu    sync.Mutex
	Calls [][]oracle.FillProof
}

var _ oracle.Verifier = (*AlwaysProven)(nil)

func (a *AlwaysProven) RequireProven(_ *chain.Env, proofs []oracle.FillProof) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, append([]oracle.FillProof(nil), proofs...))
	return nil
}

// LastCall returns the most recent series, or nil
func (a *AlwaysProven) LastCall() []oracle.FillProof {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Calls) == 0 {
		return nil
	}
	return a.Calls[len(a.Calls)-1]
}

// RejectDigests fails any series containing one of its digests
type RejectDigests struct {
	mu      sync.Mutex
	digests map[common.Hash]bool
}

var _ oracle.Verifier = (*RejectDigests)(nil)

// NewRejectDigests rejects the given digests and accepts everything else
func NewRejectDigests(digests ...common.Hash) *RejectDigests {
	r := &RejectDigests{digests: make(map[common.Hash]bool)}
	for _, d := range digests {
		r.digests[d] = true
	}
	return r
}

// Reject adds digest to the rejected set
func (r *RejectDigests) Reject(digest common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digests[digest] = true
}

func (r *RejectDigests) RequireProven(_ *chain.Env, proofs []oracle.FillProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range proofs {
		if r.digests[p.Digest] {
			return fmt.Errorf("%w: proof %d digest %s", models.ErrNotProven, i, p.Digest.Hex())
		}
	}
	return nil
}
