package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/testutil"
)

var keeperAddress = common.HexToAddress("0x0000000000000000000000000000000000004ee9")

// fakeRefunder returns queued errors, then succeeds
type fakeRefunder struct {
	mu      sync.Mutex
	chainID int
	errs    []error
	calls   int
}

func (f *fakeRefunder) ChainID() int { return f.chainID }

func (f *fakeRefunder) Refund(_ context.Context, _ common.Address, _ models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeFinder struct {
	mu      sync.Mutex
	entries map[int][]index.Entry
	calls   int
}

func (f *fakeFinder) ExpiredLocked(_ context.Context, domainID int, _ uint32, limit int) ([]index.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	entries := f.entries[domainID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func entries(domainID int, n int) []index.Entry {
	out := make([]index.Entry, n)
	for i := range out {
		out[i] = index.Entry{
			DomainID: domainID,
			OrderID:  common.HexToHash(fmt.Sprintf("0x%x", i+1)),
			Status:   models.StatusLocked,
		}
	}
	return out
}

func newTestKeeper(finder Finder, clk clock.Clock, maxRetries int, domains ...Refunder) *Keeper {
	return New(Config{
		Sender:          keeperAddress,
		PollingInterval: time.Second,
		WorkerCount:     1,
		BatchSize:       10,
		MaxRetries:      maxRetries,
		CircuitBreaker: circuitbreaker.Config{
			Enabled:        true,
			Threshold:      3,
			WindowDuration: time.Minute,
			ResetTimeout:   time.Minute,
		},
	}, finder, domains, clk, nil)
}

// drain processes every queued job synchronously
func drain(ctx context.Context, k *Keeper) int {
	n := 0
	for {
		select {
		case job := <-k.pendingJobs:
			k.process(ctx, job)
			n++
		default:
			return n
		}
	}
}

// harnessRefunder submits refunds to the harness origin domain
type harnessRefunder struct {
	h *testutil.Harness
}

func (r harnessRefunder) ChainID() int { return int(testutil.OriginChainID.Int64()) }

func (r harnessRefunder) Refund(_ context.Context, sender common.Address, order models.Order) error {
	return r.h.Refund(sender, order)
}

func TestKeeperRefundsExpiredOrders(t *testing.T) {
	h := testutil.NewHarness(t)
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	h.Origin.Subscribe(ix)
	ctx := context.Background()

	order := h.NewOrder(100, 99, 10, 5)
	orderID := h.MustOpen(order)
	k := newTestKeeper(ix, h.Clock, 3, harnessRefunder{h})

	queued, err := k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "order is not expired yet")

	h.Advance(10)
	queued, err = k.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	queued, err = k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "in-flight orders are not queued twice")

	assert.Equal(t, 1, drain(ctx, k))
	assert.Equal(t, models.StatusRefunded, h.Status(orderID))
	testutil.AssertBigIntEqual(t, big.NewInt(100), h.Balance(h.Origin, testutil.InputToken, h.User.Address))

	inFlight, retrying, abandoned := k.Stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, retrying)
	assert.Zero(t, abandoned)

	queued, err = k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "refunded orders leave the index query")
}

func TestKeeperRetriesTransientErrors(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	refunder := &fakeRefunder{chainID: 1, errs: []error{errors.New("database is locked")}}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 1)}}
	k := newTestKeeper(finder, clk, 3, refunder)
	ctx := context.Background()

	queued, err := k.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	drain(ctx, k)

	inFlight, retrying, _ := k.Stats()
	assert.Equal(t, 1, inFlight, "a retrying job stays in flight")
	assert.Equal(t, 1, retrying)

	queued, err = k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	assert.Zero(t, k.requeueDue(), "backoff has not elapsed")
	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, k.requeueDue())
	drain(ctx, k)

	assert.Equal(t, 2, refunder.calls)
	inFlight, retrying, _ = k.Stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, retrying)
}

func TestKeeperAbandonsPermanentErrors(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	refunder := &fakeRefunder{chainID: 1, errs: []error{fmt.Errorf("refund: %w", models.ErrOrderNotExpired)}}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 1)}}
	k := newTestKeeper(finder, clk, 3, refunder)
	ctx := context.Background()

	_, err := k.Poll(ctx)
	require.NoError(t, err)
	drain(ctx, k)

	inFlight, retrying, abandoned := k.Stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, retrying)
	assert.Equal(t, 1, abandoned)

	queued, err := k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "abandoned orders are not queued again")
	assert.Equal(t, 1, refunder.calls)
}

func TestKeeperReleasesAlreadyProcessedOrders(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	refunder := &fakeRefunder{chainID: 1, errs: []error{models.ErrInvalidOrderStatus}}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 1)}}
	k := newTestKeeper(finder, clk, 3, refunder)
	ctx := context.Background()

	_, err := k.Poll(ctx)
	require.NoError(t, err)
	drain(ctx, k)

	inFlight, retrying, abandoned := k.Stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, retrying)
	assert.Zero(t, abandoned)
}

func TestKeeperGivesUpAfterMaxRetries(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	refunder := &fakeRefunder{chainID: 1, errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 1)}}
	k := newTestKeeper(finder, clk, 1, refunder)
	ctx := context.Background()

	_, err := k.Poll(ctx)
	require.NoError(t, err)
	drain(ctx, k)

	clk.Advance(10 * time.Second)
	require.Equal(t, 1, k.requeueDue())
	drain(ctx, k)

	assert.Equal(t, 2, refunder.calls)
	inFlight, retrying, abandoned := k.Stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, retrying)
	assert.Equal(t, 1, abandoned)
}

func TestKeeperCircuitBreakerSkipsDomain(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	failing := &fakeRefunder{chainID: 1, errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	healthy := &fakeRefunder{chainID: 8453}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 3), 8453: entries(8453, 1)}}
	k := newTestKeeper(finder, clk, 5, failing, healthy)
	ctx := context.Background()

	queued, err := k.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, queued)
	drain(ctx, k)

	assert.True(t, k.CircuitBreakers()[1].IsOpen())
	assert.False(t, k.CircuitBreakers()[8453].IsOpen())
	assert.Equal(t, 1, healthy.calls)

	callsBefore := finder.calls
	queued, err = k.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Equal(t, callsBefore+1, finder.calls, "only the healthy domain is polled")

	clk.Advance(2 * time.Minute)
	assert.False(t, k.CircuitBreakers()[1].IsOpen())
}

func TestKeeperDropsJobsForUnknownDomain(t *testing.T) {
	k := newTestKeeper(&fakeFinder{}, clock.NewManualUnix(1000), 3, &fakeRefunder{chainID: 1})

	job := models.RetryJob{Job: models.RefundJob{DomainID: 99, OrderID: common.HexToHash("0x01")}}
	require.True(t, k.track(job))
	k.process(context.Background(), job)

	inFlight, _, abandoned := k.Stats()
	assert.Zero(t, inFlight)
	assert.Equal(t, 1, abandoned)
}

func TestKeeperStartStopsOnCancel(t *testing.T) {
	clk := clock.NewManualUnix(1000)
	refunder := &fakeRefunder{chainID: 1}
	finder := &fakeFinder{entries: map[int][]index.Entry{1: entries(1, 2)}}
	k := New(Config{Sender: keeperAddress, PollingInterval: 10 * time.Millisecond, WorkerCount: 2, MaxRetries: 3}, finder, []Refunder{refunder}, clk, nil)

	cleanup, ctx, cancel := testutil.SetupTestWithTimeout(t)
	defer cleanup()
	done := make(chan struct{})
	go func() {
		k.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		refunder.mu.Lock()
		defer refunder.mu.Unlock()
		return refunder.calls >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
