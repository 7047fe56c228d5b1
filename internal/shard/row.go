package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/gradstore"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/nn"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type RowOptions struct {
	Group dist.Group
	// ParallelInput means callers pass the rank's [.., nx/world] input slice.
	ParallelInput   bool
	SeqParallelMode SeqParallelMode
	GradStore       *gradstore.Store
}

// FusedRowLinear shards a Conv1D along its input features. Each rank holds weight
// [nx/world, nf] and the full bias; partial products are summed across ranks.
type FusedRowLinear struct {
	NF int
	NX int

	Weight *nn.Parameter
	Bias   *nn.Parameter

	opts RowOptions

	mu    sync.Mutex
	input *tensor.Tensor
}

func RowFromNative(ctx context.Context, m *nn.Conv1D, opts RowOptions) (*FusedRowLinear, error) {
	if err := checkGroup(opts.Group); err != nil {
		return nil, err
	}
	if err := opts.SeqParallelMode.validate(); err != nil {
		return nil, err
	}
	world, rank := opts.Group.Size(), opts.Group.Rank()
	if m.NX%world != 0 {
		return nil, fmt.Errorf("%w: %d input features across %d workers", ErrIndivisible, m.NX, world)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	materialize(m)
	chunks, err := tensor.Chunk(m.Weight.Data(), world, 0)
	if err != nil {
		return nil, fmt.Errorf("shard weight: %w", err)
	}
	m.Weight.Set(chunks[rank])
	// The bias stays replicated.

	logger.Log.Debug("row-parallel layer",
		"rank", rank, "world_size", world, "weight", chunks[rank].Shape(), "seq_parallel", opts.SeqParallelMode.String(),
		"parallel_input", opts.ParallelInput)
	return &FusedRowLinear{NF: m.NF, NX: m.NX, Weight: m.Weight, Bias: m.Bias, opts: opts}, nil
}

func (l *FusedRowLinear) Parameters() []*nn.Parameter {
	return []*nn.Parameter{l.Weight, l.Bias}
}

func (l *FusedRowLinear) localWidth() int {
	return l.NX / l.opts.Group.Size()
}

// Forward returns the full output, or the rank's sequence chunk of it under split_gather.
func (l *FusedRowLinear) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	local := x
	if l.opts.ParallelInput {
		if x.Rank() == 0 || x.Dim(-1) != l.localWidth() {
			return nil, fmt.Errorf("%w: row layer expects parallel input [..., %d], got %v", tensor.ErrShape, l.localWidth(), x.Shape())
		}
	} else {
		if x.Rank() == 0 || x.Dim(-1) != l.NX {
			return nil, fmt.Errorf("%w: row layer expects [..., %d], got %v", tensor.ErrShape, l.NX, x.Shape())
		}
		chunks, err := tensor.Chunk(x, l.opts.Group.Size(), -1)
		if err != nil {
			return nil, err
		}
		local = chunks[l.opts.Group.Rank()]
	}

	partial, err := tensor.AddMM(nil, local, l.Weight.Data())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.input = local
	l.mu.Unlock()

	var out *tensor.Tensor
	if l.opts.SeqParallelMode == SplitGather {
		out, err = l.opts.Group.ReduceScatter(ctx, partial, SeqDim)
	} else {
		out, err = l.opts.Group.AllReduce(ctx, partial)
	}
	if err != nil {
		return nil, fmt.Errorf("reduce partial output: %w", err)
	}
	return addBias(out, l.Bias.Data())
}

// Backward expects the gradient of Forward's output and returns the input gradient
// in the shape Forward was given.
func (l *FusedRowLinear) Backward(ctx context.Context, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	l.mu.Lock()
	x := l.input
	l.mu.Unlock()
	if x == nil {
		return nil, nn.ErrNoForward
	}

	// The bias was added after the reduction, so its gradient is the rank's own.
	gradB, err := tensor.SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	if err := l.Bias.AccumulateGrad(gradB); err != nil {
		return nil, err
	}

	full := gradOut
	if l.opts.SeqParallelMode == SplitGather {
		if full, err = l.opts.Group.AllGather(ctx, gradOut, SeqDim); err != nil {
			return nil, fmt.Errorf("gather output gradient: %w", err)
		}
	}
	if err := accumulateWeightGrad(l.Weight, x, full, l.opts.GradStore); err != nil {
		return nil, err
	}

	gx, err := nn.InputGrad(full, l.Weight.Data(), x.Shape())
	if err != nil {
		return nil, err
	}
	if l.opts.ParallelInput {
		return gx, nil
	}
	return l.opts.Group.AllGather(ctx, gx, -1)
}

// StateDict gathers the weight rows from every rank; the bias is already full.
func (l *FusedRowLinear) StateDict(ctx context.Context) (nn.StateDict, error) {
	w, err := l.opts.Group.AllGather(ctx, l.Weight.Data(), 0)
	if err != nil {
		return nil, fmt.Errorf("gather weight: %w", err)
	}
	return nn.StateDict{"weight": w, "bias": l.Bias.Data().Clone()}, nil
}

func (l *FusedRowLinear) LoadStateDict(_ context.Context, sd nn.StateDict) error {
	w, err := sd.Lookup("weight", l.NX, l.NF)
	if err != nil {
		return err
	}
	b, err := sd.Lookup("bias", l.NF)
	if err != nil {
		return err
	}
	chunks, err := tensor.Chunk(w, l.opts.Group.Size(), 0)
	if err != nil {
		return err
	}
	if err := l.Weight.Data().CopyFrom(chunks[l.opts.Group.Rank()]); err != nil {
		return err
	}
	return l.Bias.Data().CopyFrom(b)
}

// addBias adds bias along the last dimension.
func addBias(x, bias *tensor.Tensor) (*tensor.Tensor, error) {
	n := bias.Numel()
	if x.Rank() == 0 || x.Dim(-1) != n {
		return nil, fmt.Errorf("%w: bias %v for output %v", tensor.ErrShape, bias.Shape(), x.Shape())
	}
	out := x.Clone()
	o, b := out.Data(), bias.Data()
	for i := range o {
		o[i] += b[i%n]
	}
	return out, nil
}
