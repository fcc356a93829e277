package index_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/testutil"
)

func openIndex(t *testing.T) *index.Index {
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestIndexFollowsOrderLifecycle(t *testing.T) {
	h := testutil.NewHarness(t)
	ix := openIndex(t)
	h.Origin.Subscribe(ix)
	h.Destination.Subscribe(ix)
	ctx := context.Background()
	origin := int(testutil.OriginChainID.Int64())

	order := h.NewOrder(100, 99, 10, 5)
	orderID := h.MustOpen(order)

	entry, err := ix.Order(ctx, origin, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, entry.Status)
	assert.Equal(t, order.Expires, entry.Expires)
	assert.Equal(t, order.User, entry.Order.User)
	assert.Equal(t, orderID, encoding.MustOrderIdentifier(entry.Order), "indexed body reproduces the identifier")

	expired, err := ix.ExpiredLocked(ctx, origin, h.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	h.Advance(10)
	expired, err = ix.ExpiredLocked(ctx, origin, h.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, orderID, expired[0].OrderID)

	require.NoError(t, h.Refund(h.User.Address, order))
	entry, err = ix.Order(ctx, origin, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, entry.Status)

	expired, err = ix.ExpiredLocked(ctx, origin, h.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestIndexRecordsFillsAndSettlement(t *testing.T) {
	h := testutil.NewHarness(t)
	ix := openIndex(t)
	h.Origin.Subscribe(ix)
	h.Destination.Subscribe(ix)
	ctx := context.Background()

	order := h.NewOrder(100, 99, 1000, 500)
	orderID := h.MustOpen(order)
	h.FundSolver(h.Solver, 99)
	record, err := h.Fill(h.Solver, orderID, order, 0)
	require.NoError(t, err)

	outputHash, err := encoding.OutputHash(order.Outputs[0])
	require.NoError(t, err)
	fill, err := ix.Fill(ctx, int(testutil.DestinationChainID.Int64()), orderID, outputHash)
	require.NoError(t, err)
	assert.Equal(t, record.Solver, fill.Solver)
	assert.Equal(t, record.Timestamp, fill.Timestamp)
	testutil.AssertBigIntEqual(t, big.NewInt(99), fill.FinalAmount)

	params := []models.SolveParams{{Solver: record.Solver, Timestamp: record.Timestamp}}
	h.Attest(order, orderID, params)
	require.NoError(t, h.Finalize(h.Solver.Address, order, params, h.Solver.Address, nil))

	entry, err := ix.Order(ctx, int(testutil.OriginChainID.Int64()), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, entry.Status)
	assert.Equal(t, h.Solver.Identity(), entry.Solver)
	assert.Equal(t, h.Solver.Address, entry.Destination)
}

func TestIndexIgnoresFailedCalls(t *testing.T) {
	h := testutil.NewHarness(t)
	ix := openIndex(t)
	h.Origin.Subscribe(ix)

	order := h.NewOrder(100, 99, 1000, 500)
	_, err := h.Open(order) // not funded
	require.Error(t, err)

	_, err = ix.Order(context.Background(), int(testutil.OriginChainID.Int64()), encoding.MustOrderIdentifier(order))
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestIndexNotFound(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()

	_, err := ix.Order(ctx, 1, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, index.ErrNotFound)
	_, err = ix.Fill(ctx, 1, common.HexToHash("0x01"), common.HexToHash("0x02"))
	assert.ErrorIs(t, err, index.ErrNotFound)

	purchasers, err := ix.Purchasers(ctx, 1, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Empty(t, purchasers)
}

func TestIndexRecordsPurchases(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()
	orderID := common.HexToHash("0x0a")
	purchaser := common.HexToHash("0xb0")

	ix.HandleEvent(ctx, models.Event{
		DomainID: big.NewInt(1),
		Kind:     models.EventOrderPurchased,
		OrderID:  orderID,
		Payload:  models.OrderPurchasedEvent{Solver: common.HexToHash("0x50"), Purchaser: purchaser},
	})

	purchasers, err := ix.Purchasers(ctx, 1, orderID)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{purchaser}, purchasers)
}

func TestIndexExpiredLockedOrdering(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()

	for i, expires := range []uint32{300, 100, 200} {
		ix.HandleEvent(ctx, models.Event{
			DomainID: big.NewInt(7),
			Kind:     models.EventOpen,
			OrderID:  common.BigToHash(big.NewInt(int64(i + 1))),
			Payload: models.OpenEvent{Order: models.Order{
				Nonce:         big.NewInt(int64(i)),
				OriginChainID: big.NewInt(7),
				Expires:       expires,
			}},
		})
	}

	entries, err := ix.ExpiredLocked(ctx, 7, 250, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(100), entries[0].Expires)
	assert.Equal(t, uint32(200), entries[1].Expires)

	entries, err = ix.ExpiredLocked(ctx, 7, 1000, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = ix.ExpiredLocked(ctx, 8, 1000, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
