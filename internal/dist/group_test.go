package dist

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// rankTensor is [1, 2, 2] filled with rank+1 offsets so contributions are distinguishable.
func rankTensor(rank int) *tensor.Tensor {
	base := float32(rank * 10)
	return tensor.MustFromSlice([]float32{base + 1, base + 2, base + 3, base + 4}, 1, 2, 2)
}

func launchOptions(t *testing.T, backend string) LaunchOptions {
	t.Helper()
	opts := LaunchOptions{WorldSize: 2, Backend: backend, ShutdownTimeout: 5 * time.Second}
	if backend == BackendFlight {
		addr, err := FreeAddr("127.0.0.1")
		require.NoError(t, err)
		opts.Addr = addr
	}
	return opts
}

func TestCollectives(t *testing.T) {
	for _, backend := range []string{BackendLocal, BackendFlight} {
		t.Run(backend, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			err := Spawn(ctx, launchOptions(t, backend), func(ctx context.Context, g Group) error {
				if g.Backend() != backend {
					return errors.New("backend mismatch")
				}
				x := rankTensor(g.Rank())

				gathered, err := g.AllGather(ctx, x, 1)
				if err != nil {
					return err
				}
				want := tensor.MustFromSlice([]float32{1, 2, 3, 4, 11, 12, 13, 14}, 1, 4, 2)
				if err := tensor.AllClose(gathered, want, 0, 0); err != nil {
					return err
				}

				sum, err := g.AllReduce(ctx, x)
				if err != nil {
					return err
				}
				if err := tensor.AllClose(sum, tensor.MustFromSlice([]float32{12, 14, 16, 18}, 1, 2, 2), 0, 0); err != nil {
					return err
				}

				scattered, err := g.ReduceScatter(ctx, x, 1)
				if err != nil {
					return err
				}
				rows := [][]float32{{12, 14}, {16, 18}}
				if err := tensor.AllClose(scattered, tensor.MustFromSlice(rows[g.Rank()], 1, 1, 2), 0, 0); err != nil {
					return err
				}

				parts, err := g.Exchange(ctx, x)
				if err != nil {
					return err
				}
				for rank, p := range parts {
					if !tensor.Equal(p, rankTensor(rank)) {
						return errors.New("exchange returned parts out of rank order")
					}
				}
				return g.Barrier(ctx)
			})
			require.NoError(t, err)
		})
	}
}

func TestLocalCollectivesDoNotAliasInput(t *testing.T) {
	groups, hub, err := NewLocalGroups("alias", 1)
	require.NoError(t, err)
	defer hub.Close()

	x := tensor.Ones(2)
	parts, err := groups[0].Exchange(context.Background(), x)
	require.NoError(t, err)
	x.Data()[0] = 5
	assert.Equal(t, float32(1), parts[0].Data()[0])
}

func TestAllReduceShapeMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Spawn(ctx, LaunchOptions{WorldSize: 2}, func(ctx context.Context, g Group) error {
		_, err := g.AllReduce(ctx, tensor.New(g.Rank()+1))
		return err
	})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestSpawnFailingWorkerCancelsOthers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("boom")
	var cancelled atomic.Bool
	err := Spawn(context.Background(), LaunchOptions{WorldSize: 2}, func(ctx context.Context, g Group) error {
		if g.Rank() == 1 {
			return boom
		}
		// Rank 0 waits on a round rank 1 never joins.
		_, err := g.AllGather(ctx, tensor.New(1), 0)
		if errors.Is(err, context.Canceled) {
			cancelled.Store(true)
		}
		return err
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "rank 1")
	assert.True(t, cancelled.Load(), "rank 0 should observe cancellation")
}

func TestSpawnRecoversPanics(t *testing.T) {
	err := Spawn(context.Background(), LaunchOptions{WorldSize: 2}, func(ctx context.Context, g Group) error {
		if g.Rank() == 0 {
			panic("bad shard")
		}
		return g.Barrier(ctx)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad shard")
}

func TestSpawnRejectsUnknownBackend(t *testing.T) {
	err := Spawn(context.Background(), LaunchOptions{WorldSize: 2, Backend: "nccl"}, func(context.Context, Group) error {
		return nil
	})
	require.ErrorIs(t, err, ErrBackend)
}

func TestSpawnFlightAddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	called := false
	err = Spawn(context.Background(), LaunchOptions{WorldSize: 2, Backend: BackendFlight, Addr: l.Addr().String()},
		func(context.Context, Group) error {
			called = true
			return nil
		})
	require.True(t, IsAddressInUse(err), "got %v", err)
	require.ErrorIs(t, err, ErrAddressInUse)
	assert.False(t, called)
}

func TestRerunIfAddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var addrs []string
	err = RerunIfAddressInUse(ctx, 3, func(ctx context.Context, attempt int) error {
		addr := busy
		if attempt > 0 {
			var err error
			addr, err = FreeAddr("127.0.0.1")
			if err != nil {
				return err
			}
		}
		addrs = append(addrs, addr)
		return Spawn(ctx, LaunchOptions{WorldSize: 2, Backend: BackendFlight, Addr: addr}, func(ctx context.Context, g Group) error {
			return g.Barrier(ctx)
		})
	})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, busy, addrs[0])
}

func TestRerunStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RerunIfAddressInUse(context.Background(), 5, func(context.Context, int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRerunGivesUp(t *testing.T) {
	calls := 0
	err := RerunIfAddressInUse(context.Background(), 3, func(context.Context, int) error {
		calls++
		return newAddressInUseError("127.0.0.1:1", errors.New("bind"))
	})
	require.ErrorIs(t, err, ErrAddressInUse)
	assert.Equal(t, 3, calls)
}

func TestInitProcessGroup(t *testing.T) {
	addr, err := FreeAddr("127.0.0.1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		go func() {
			results <- func() error {
				g, err := Init(ctx, InitOptions{Rank: rank, WorldSize: 2, Addr: addr, Name: "init-test"})
				if err != nil {
					return err
				}
				sum, err := g.AllReduce(ctx, tensor.Full(float32(rank+1), 3))
				if err != nil {
					g.Close(ctx)
					return err
				}
				if err := tensor.AllClose(sum, tensor.Full(3, 3), 0, 0); err != nil {
					g.Close(ctx)
					return err
				}
				return g.Close(ctx)
			}()
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
}

func TestInitRejectsBadRank(t *testing.T) {
	_, err := Init(context.Background(), InitOptions{Rank: 2, WorldSize: 2, Addr: "127.0.0.1:1"})
	require.ErrorIs(t, err, ErrBadRank)
}

func TestIsAddressInUse(t *testing.T) {
	assert.False(t, IsAddressInUse(nil))
	assert.False(t, IsAddressInUse(errors.New("other")))
	assert.True(t, IsAddressInUse(newAddressInUseError("x", errors.New("bind"))))
}
