package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
	"github.com/speedrun-hq/speedrun-settlement/pkg/state"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	key   = []byte("k")
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) HandleEvent(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newTestDomain(t *testing.T) (*Domain, *recorder) {
	t.Helper()
	d := NewDomain(big.NewInt(31337), state.NewMemoryStore(), clock.NewManualUnix(1000), nil)
	rec := &recorder{}
	d.Subscribe(rec)
	t.Cleanup(func() { _ = d.Close() })
	return d, rec
}

func read(t *testing.T, d *Domain) ([]byte, bool) {
	t.Helper()
	var (
		v     []byte
		found bool
	)
	require.NoError(t, d.View(context.Background(), func(env *Env) error {
		var err error
		v, found, err = env.Store().Get(env.Context(), state.TableEscrow, key)
		return err
	}))
	return v, found
}

func TestExecuteCommitsAndPublishes(t *testing.T) {
	d, rec := newTestDomain(t)

	err := d.Execute(context.Background(), alice, func(env *Env) error {
		assert.Equal(t, alice, env.Caller())
		assert.Equal(t, alice, env.Self())
		assert.Equal(t, uint32(1000), env.Now())
		assert.Equal(t, int64(31337), env.ChainID().Int64())
		env.Emit(models.EventOpen, common.HexToHash("0x01"), nil)
		return env.Store().Put(env.Context(), state.TableEscrow, key, []byte{1})
	})
	require.NoError(t, err)

	v, found := read(t, d)
	assert.True(t, found)
	assert.Equal(t, []byte{1}, v)
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventOpen, rec.events[0].Kind)
	assert.Equal(t, alice, rec.events[0].Emitter)
}

func TestExecuteRollsBackOnError(t *testing.T) {
	d, rec := newTestDomain(t)
	boom := errors.New("boom")

	err := d.Execute(context.Background(), alice, func(env *Env) error {
		env.Emit(models.EventOpen, common.Hash{}, nil)
		require.NoError(t, env.Store().Put(env.Context(), state.TableEscrow, key, []byte{1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found := read(t, d)
	assert.False(t, found)
	assert.Empty(t, rec.events)
}

func TestExecuteRecoversPanic(t *testing.T) {
	d, _ := newTestDomain(t)

	err := d.Execute(context.Background(), alice, func(env *Env) error {
		require.NoError(t, env.Store().Put(env.Context(), state.TableEscrow, key, []byte{1}))
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected")

	_, found := read(t, d)
	assert.False(t, found)

	// the domain is still usable
	assert.NoError(t, d.Execute(context.Background(), alice, func(env *Env) error { return nil }))
}

func TestViewDiscardsWrites(t *testing.T) {
	d, rec := newTestDomain(t)

	require.NoError(t, d.View(context.Background(), func(env *Env) error {
		env.Emit(models.EventOpen, common.Hash{}, nil)
		return env.Store().Put(env.Context(), state.TableEscrow, key, []byte{1})
	}))

	_, found := read(t, d)
	assert.False(t, found)
	assert.Empty(t, rec.events)
}

func TestAtomicDiscardsInnerEffects(t *testing.T) {
	d, rec := newTestDomain(t)
	inner := errors.New("inner")

	err := d.Execute(context.Background(), alice, func(env *Env) error {
		env.Emit(models.EventOpen, common.HexToHash("0x01"), nil)
		atomicErr := env.Atomic(func() error {
			env.Emit(models.EventRefunded, common.HexToHash("0x01"), nil)
			require.NoError(t, env.Store().Put(env.Context(), state.TableEscrow, key, []byte{2}))
			return inner
		})
		assert.ErrorIs(t, atomicErr, inner)
		return nil
	})
	require.NoError(t, err)

	_, found := read(t, d)
	assert.False(t, found)
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventOpen, rec.events[0].Kind)
}

func TestCallFrames(t *testing.T) {
	d, rec := newTestDomain(t)
	d.Deploy(bob, "component")

	require.NoError(t, d.Execute(context.Background(), alice, func(env *Env) error {
		inner := env.Call(bob)
		assert.Equal(t, alice, inner.Caller())
		assert.Equal(t, bob, inner.Self())

		c, ok := inner.Contract(bob)
		assert.True(t, ok)
		assert.Equal(t, "component", c)
		_, ok = inner.Contract(alice)
		assert.False(t, ok)

		inner.Emit(models.EventFinalized, common.Hash{}, nil)
		return nil
	}))

	require.Len(t, rec.events, 1)
	assert.Equal(t, bob, rec.events[0].Emitter)
}

func TestEventSinkFunc(t *testing.T) {
	d, _ := newTestDomain(t)
	var kinds []models.EventKind
	d.Subscribe(EventSinkFunc(func(_ context.Context, ev models.Event) {
		kinds = append(kinds, ev.Kind)
	}))

	require.NoError(t, d.Execute(context.Background(), alice, func(env *Env) error {
		env.Emit(models.EventOpen, common.Hash{}, nil)
		env.Emit(models.EventFinalized, common.Hash{}, nil)
		return nil
	}))
	assert.Equal(t, []models.EventKind{models.EventOpen, models.EventFinalized}, kinds)
}

func TestExecuteSerializesCalls(t *testing.T) {
	d, _ := newTestDomain(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Execute(context.Background(), alice, func(env *Env) error {
				v, _, err := env.Store().Get(env.Context(), state.TableEscrow, key)
				if err != nil {
					return err
				}
				n := new(big.Int).SetBytes(v)
				return env.Store().Put(env.Context(), state.TableEscrow, key, n.Add(n, big.NewInt(1)).Bytes())
			}))
		}()
	}
	wg.Wait()

	v, _ := read(t, d)
	assert.Equal(t, int64(50), new(big.Int).SetBytes(v).Int64())
}
