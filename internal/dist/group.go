// Package dist provides collective communication between tensor-parallel workers and
// the launcher that starts them.
package dist

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Backend names.
const (
	BackendLocal  = "local"
	BackendFlight = "flight"
)

// Group is one rank's handle on a collective group. All ranks must issue the same
// collectives in the same order; reductions sum in rank order so every rank sees
// identical results.
type Group interface {
	Rank() int
	Size() int
	Backend() string
	// Exchange returns every rank's tensor, indexed by rank.
	Exchange(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error)
	AllGather(ctx context.Context, t *tensor.Tensor, dim int) (*tensor.Tensor, error)
	AllReduce(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error)
	ReduceScatter(ctx context.Context, t *tensor.Tensor, dim int) (*tensor.Tensor, error)
	Barrier(ctx context.Context) error
	Close(ctx context.Context) error
}

type transport interface {
	exchange(ctx context.Context, key string, rank int, t *tensor.Tensor) ([]*tensor.Tensor, error)
	backend() string
	close(ctx context.Context) error
}

type group struct {
	name string
	rank int
	size int
	seq  atomic.Uint64
	tr   transport
}

func newGroup(name string, rank, size int, tr transport) *group {
	return &group{name: name, rank: rank, size: size, tr: tr}
}

func (g *group) Rank() int       { return g.rank }
func (g *group) Size() int       { return g.size }
func (g *group) Backend() string { return g.tr.backend() }

func (g *group) exchange(ctx context.Context, op string, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	start := time.Now()
	key := fmt.Sprintf("%s/%d", g.name, g.seq.Add(1))
	parts, err := g.tr.exchange(ctx, key, g.rank, t)
	if err == nil && len(parts) != g.size {
		err = fmt.Errorf("%w: %s returned %d contributions for %d ranks", ErrMismatch, op, len(parts), g.size)
	}
	metrics.RecordCollective(g.tr.backend(), op, t.Numel()*4, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}
	return parts, nil
}

func (g *group) Exchange(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	return g.exchange(ctx, "exchange", t)
}

func (g *group) AllGather(ctx context.Context, t *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	parts, err := g.exchange(ctx, "all_gather", t)
	if err != nil {
		return nil, err
	}
	return tensor.Cat(dim, parts...)
}

func (g *group) AllReduce(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	parts, err := g.exchange(ctx, "all_reduce", t)
	if err != nil {
		return nil, err
	}
	return sumInRankOrder(parts)
}

func (g *group) ReduceScatter(ctx context.Context, t *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	parts, err := g.exchange(ctx, "reduce_scatter", t)
	if err != nil {
		return nil, err
	}
	sum, err := sumInRankOrder(parts)
	if err != nil {
		return nil, err
	}
	chunks, err := tensor.Chunk(sum, g.size, dim)
	if err != nil {
		return nil, err
	}
	return chunks[g.rank], nil
}

func (g *group) Barrier(ctx context.Context) error {
	_, err := g.exchange(ctx, "barrier", tensor.New(0))
	return err
}

func (g *group) Close(ctx context.Context) error {
	return g.tr.close(ctx)
}

func sumInRankOrder(parts []*tensor.Tensor) (*tensor.Tensor, error) {
	out := parts[0].Clone()
	for rank, p := range parts[1:] {
		if err := tensor.AddInPlace(out, p); err != nil {
			return nil, fmt.Errorf("%w: rank %d: %w", ErrMismatch, rank+1, err)
		}
	}
	return out, nil
}
