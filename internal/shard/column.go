package shard

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/gradstore"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/nn"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type ColumnOptions struct {
	Group dist.Group
	// GatherOutput re-assembles the full [.., nf] output on every rank.
	GatherOutput    bool
	SeqParallelMode SeqParallelMode
	// SplitSizes describes the fused blocks packed along the output dimension, e.g.
	// q, k and v. Nil means a single block of nf.
	SplitSizes []int
	// GradStore defers the weight gradient when set.
	GradStore *gradstore.Store
}

// FusedColumnLinear shards a fused Conv1D along its output features. Each rank holds
// weight [nx, nf/world] and bias [nf/world], taken GPT-2 style from every fused block.
type FusedColumnLinear struct {
	NF int
	NX int

	Weight *nn.Parameter
	Bias   *nn.Parameter

	opts ColumnOptions

	mu    sync.Mutex
	input *tensor.Tensor
}

// ColumnFromNative shards m in place: the returned layer holds m's parameters, whose
// storage now is the rank's shard.
func ColumnFromNative(ctx context.Context, m *nn.Conv1D, opts ColumnOptions) (*FusedColumnLinear, error) {
	if err := checkGroup(opts.Group); err != nil {
		return nil, err
	}
	if err := opts.SeqParallelMode.validate(); err != nil {
		return nil, err
	}
	if opts.SplitSizes == nil {
		opts.SplitSizes = []int{m.NF}
	}
	opts.SplitSizes = slices.Clone(opts.SplitSizes)
	if total := sum(opts.SplitSizes); total != m.NF {
		return nil, fmt.Errorf("%w: split sizes %v sum to %d, layer has %d outputs", tensor.ErrShape, opts.SplitSizes, total, m.NF)
	}
	world, rank := opts.Group.Size(), opts.Group.Rank()
	if err := checkSplitSizes(opts.SplitSizes, world); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	materialize(m)
	w, err := SplitFusedQKV(m.Weight.Data(), opts.SplitSizes, rank, world, -1)
	if err != nil {
		return nil, fmt.Errorf("shard weight: %w", err)
	}
	b, err := SplitFusedQKV(m.Bias.Data(), opts.SplitSizes, rank, world, 0)
	if err != nil {
		return nil, fmt.Errorf("shard bias: %w", err)
	}
	m.Weight.Set(w)
	m.Bias.Set(b)

	logger.Log.Debug("column-parallel layer",
		"rank", rank, "world_size", world, "weight", w.Shape(), "seq_parallel", opts.SeqParallelMode.String(),
		"gather_output", opts.GatherOutput)
	return &FusedColumnLinear{NF: m.NF, NX: m.NX, Weight: m.Weight, Bias: m.Bias, opts: opts}, nil
}

func (l *FusedColumnLinear) Parameters() []*nn.Parameter {
	return []*nn.Parameter{l.Weight, l.Bias}
}

// Forward takes the rank's sequence chunk under split_gather and the full input otherwise.
func (l *FusedColumnLinear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.NX {
		return nil, fmt.Errorf("%w: column layer expects [..., %d], got %v", tensor.ErrShape, l.NX, x.Shape())
	}
	full := x
	if l.opts.SeqParallelMode == SplitGather {
		var err error
		if full, err = l.opts.Group.AllGather(ctx, x, SeqDim); err != nil {
			return nil, fmt.Errorf("gather input: %w", err)
		}
	}
	out, err := tensor.AddMM(l.Bias.Data(), full, l.Weight.Data())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.input = full
	l.mu.Unlock()

	if !l.opts.GatherOutput {
		return out, nil
	}
	parts, err := l.opts.Group.Exchange(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("gather output: %w", err)
	}
	return GatherFusedQKV(parts, l.opts.SplitSizes, -1)
}

// Backward expects the gradient of Forward's output: full width when GatherOutput is
// set, the local shard otherwise. The returned input gradient matches Forward's input.
func (l *FusedColumnLinear) Backward(ctx context.Context, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	l.mu.Lock()
	x := l.input
	l.mu.Unlock()
	if x == nil {
		return nil, nn.ErrNoForward
	}

	local := gradOut
	if l.opts.GatherOutput {
		var err error
		local, err = SplitFusedQKV(gradOut, l.opts.SplitSizes, l.opts.Group.Rank(), l.opts.Group.Size(), -1)
		if err != nil {
			return nil, fmt.Errorf("split output gradient: %w", err)
		}
	}

	if err := accumulateWeightGrad(l.Weight, x, local, l.opts.GradStore); err != nil {
		return nil, err
	}
	gradB, err := tensor.SumRows(local)
	if err != nil {
		return nil, err
	}
	if err := l.Bias.AccumulateGrad(gradB); err != nil {
		return nil, err
	}

	partial, err := nn.InputGrad(local, l.Weight.Data(), x.Shape())
	if err != nil {
		return nil, err
	}
	if l.opts.SeqParallelMode == SplitGather {
		return l.opts.Group.ReduceScatter(ctx, partial, SeqDim)
	}
	return l.opts.Group.AllReduce(ctx, partial)
}

// StateDict gathers the full weight and bias from every rank.
func (l *FusedColumnLinear) StateDict(ctx context.Context) (nn.StateDict, error) {
	w, err := l.gather(ctx, l.Weight.Data(), -1)
	if err != nil {
		return nil, fmt.Errorf("gather weight: %w", err)
	}
	b, err := l.gather(ctx, l.Bias.Data(), 0)
	if err != nil {
		return nil, fmt.Errorf("gather bias: %w", err)
	}
	return nn.StateDict{"weight": w, "bias": b}, nil
}

func (l *FusedColumnLinear) gather(ctx context.Context, t *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	parts, err := l.opts.Group.Exchange(ctx, t)
	if err != nil {
		return nil, err
	}
	return GatherFusedQKV(parts, l.opts.SplitSizes, dim)
}

// LoadStateDict takes full tensors and keeps the rank's shard.
func (l *FusedColumnLinear) LoadStateDict(_ context.Context, sd nn.StateDict) error {
	w, err := sd.Lookup("weight", l.NX, l.NF)
	if err != nil {
		return err
	}
	b, err := sd.Lookup("bias", l.NF)
	if err != nil {
		return err
	}
	rank, world := l.opts.Group.Rank(), l.opts.Group.Size()
	ws, err := SplitFusedQKV(w, l.opts.SplitSizes, rank, world, -1)
	if err != nil {
		return err
	}
	bs, err := SplitFusedQKV(b, l.opts.SplitSizes, rank, world, 0)
	if err != nil {
		return err
	}
	if err := l.Weight.Data().CopyFrom(ws); err != nil {
		return err
	}
	return l.Bias.Data().CopyFrom(bs)
}

// accumulateWeightGrad applies xᵀ @ gradOut to w now, or defers it to store.
func accumulateWeightGrad(w *nn.Parameter, x, gradOut *tensor.Tensor, store *gradstore.Store) error {
	if store != nil {
		store.Put(w, x, gradOut, nn.WeightGrad)
		return nil
	}
	g, err := nn.WeightGrad(x, gradOut)
	if err != nil {
		return err
	}
	return w.AccumulateGrad(g)
}
