package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-shard/internal/gradstore"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/nn"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

type FusedOptions struct {
	SeqParallelMode SeqParallelMode
	// GradStore defers the weight gradient until the store pops it.
	GradStore *gradstore.Store
}

// FusedLinear keeps the full fused weight on every rank and needs no collectives.
// With a grad store its weight gradient is computed later, when the store pops the
// chunk it was flushed to.
type FusedLinear struct {
	NF int
	NX int

	Weight *nn.Parameter
	Bias   *nn.Parameter

	opts FusedOptions

	mu    sync.Mutex
	input *tensor.Tensor
}

// FusedFromNative wraps m without copying its parameters. Only SeqParallelNone is supported.
func FusedFromNative(ctx context.Context, m *nn.Conv1D, opts FusedOptions) (*FusedLinear, error) {
	if err := opts.SeqParallelMode.validate(); err != nil {
		return nil, err
	}
	if opts.SeqParallelMode != SeqParallelNone {
		return nil, fmt.Errorf("%w: fused linear without gather supports none, got %s", ErrUnsupportedMode, opts.SeqParallelMode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	materialize(m)
	logger.Log.Debug("fused linear", "weight", m.Weight.Shape(), "grad_store", opts.GradStore != nil)
	return &FusedLinear{NF: m.NF, NX: m.NX, Weight: m.Weight, Bias: m.Bias, opts: opts}, nil
}

func (l *FusedLinear) Parameters() []*nn.Parameter {
	return []*nn.Parameter{l.Weight, l.Bias}
}

func (l *FusedLinear) Forward(_ context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.NX {
		return nil, fmt.Errorf("%w: fused linear expects [..., %d], got %v", tensor.ErrShape, l.NX, x.Shape())
	}
	out, err := tensor.AddMM(l.Bias.Data(), x, l.Weight.Data())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.input = x
	l.mu.Unlock()
	return out, nil
}

func (l *FusedLinear) Backward(_ context.Context, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	l.mu.Lock()
	x := l.input
	l.mu.Unlock()
	if x == nil {
		return nil, nn.ErrNoForward
	}
	if err := accumulateWeightGrad(l.Weight, x, gradOut, l.opts.GradStore); err != nil {
		return nil, err
	}
	gradB, err := tensor.SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	if err := l.Bias.AccumulateGrad(gradB); err != nil {
		return nil, err
	}
	return nn.InputGrad(gradOut, l.Weight.Data(), x.Shape())
}

func (l *FusedLinear) StateDict(context.Context) (nn.StateDict, error) {
	return nn.StateDict{
		"weight": l.Weight.Data().Clone(),
		"bias":   l.Bias.Data().Clone(),
	}, nil
}

func (l *FusedLinear) LoadStateDict(_ context.Context, sd nn.StateDict) error {
	w, err := sd.Lookup("weight", l.NX, l.NF)
	if err != nil {
		return err
	}
	b, err := sd.Lookup("bias", l.NF)
	if err != nil {
		return err
	}
	if err := l.Weight.Data().CopyFrom(w); err != nil {
		return err
	}
	return l.Bias.Data().CopyFrom(b)
}

var (
	_ nn.Module = (*nn.Conv1D)(nil)
	_ nn.Module = (*FusedColumnLinear)(nil)
	_ nn.Module = (*FusedRowLinear)(nil)
	_ nn.Module = (*FusedLinear)(nil)
)
