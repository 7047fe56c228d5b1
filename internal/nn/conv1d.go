package nn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Module is a layer that can run forward and backward and exchange state dicts.
// Backward consumes the input cached by the latest Forward.
type Module interface {
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(ctx context.Context, gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	StateDict(ctx context.Context) (StateDict, error)
	LoadStateDict(ctx context.Context, sd StateDict) error
}

// InitStd is the GPT-2 weight initialization standard deviation.
const InitStd = 0.02

// Conv1D is the GPT-2 projection: a linear layer whose weight is stored transposed,
// [in, out], so that out = bias + x @ weight.
type Conv1D struct {
	NF int
	NX int

	Weight *Parameter
	Bias   *Parameter

	mu    sync.Mutex
	input *tensor.Tensor
}

// NewConv1D builds a layer with nf outputs and nx inputs. The weight is drawn from
// N(0, 0.02^2) using rng when init materializes it; the bias starts at zero.
func NewConv1D(nf, nx int, rng *rand.Rand, init Initializer) *Conv1D {
	return &Conv1D{
		NF:     nf,
		NX:     nx,
		Weight: init.Param("weight", []int{nx, nf}, Normal(rng, InitStd)),
		Bias:   init.Param("bias", []int{nf}, nil),
	}
}

func (m *Conv1D) Forward(_ context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != m.NX {
		return nil, fmt.Errorf("%w: conv1d expects [..., %d], got %v", tensor.ErrShape, m.NX, x.Shape())
	}
	out, err := tensor.AddMM(m.Bias.Data(), x, m.Weight.Data())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.input = x
	m.mu.Unlock()
	return out, nil
}

func (m *Conv1D) Backward(_ context.Context, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	m.mu.Lock()
	x := m.input
	m.mu.Unlock()
	if x == nil {
		return nil, ErrNoForward
	}
	gradW, err := WeightGrad(x, gradOut)
	if err != nil {
		return nil, err
	}
	if err := m.Weight.AccumulateGrad(gradW); err != nil {
		return nil, err
	}
	gradB, err := tensor.SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	if err := m.Bias.AccumulateGrad(gradB); err != nil {
		return nil, err
	}
	return InputGrad(gradOut, m.Weight.Data(), x.Shape())
}

func (m *Conv1D) Parameters() []*Parameter {
	return []*Parameter{m.Weight, m.Bias}
}

func (m *Conv1D) StateDict(context.Context) (StateDict, error) {
	return StateDict{
		"weight": m.Weight.Data().Clone(),
		"bias":   m.Bias.Data().Clone(),
	}, nil
}

func (m *Conv1D) LoadStateDict(_ context.Context, sd StateDict) error {
	w, err := sd.Lookup("weight", m.NX, m.NF)
	if err != nil {
		return err
	}
	b, err := sd.Lookup("bias", m.NF)
	if err != nil {
		return err
	}
	if err := m.Weight.Data().CopyFrom(w); err != nil {
		return err
	}
	return m.Bias.Data().CopyFrom(b)
}

// WeightGrad computes xᵀ @ gradOut with every leading dimension flattened,
// i.e. the gradient of a [in, out] weight.
func WeightGrad(x, gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x2, err := tensor.Flatten2D(x)
	if err != nil {
		return nil, err
	}
	g2, err := tensor.Flatten2D(gradOut)
	if err != nil {
		return nil, err
	}
	return tensor.MatMulTN(x2, g2)
}

// InputGrad computes gradOut @ weightᵀ and reshapes it to inShape.
func InputGrad(gradOut, weight *tensor.Tensor, inShape []int) (*tensor.Tensor, error) {
	g2, err := tensor.Flatten2D(gradOut)
	if err != nil {
		return nil, err
	}
	gx, err := tensor.MatMulNT(g2, weight)
	if err != nil {
		return nil, err
	}
	return gx.Reshape(inShape...)
}
