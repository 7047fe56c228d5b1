// Package nn holds parameters, the dense GPT-2 Conv1D reference layer and state dicts.
package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-shard/internal/lazy"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Parameter is shared, mutable storage. Every holder of the same *Parameter sees the
// same data and gradient; sharding swaps the storage in place rather than copying.
type Parameter struct {
	Name string

	mu      sync.Mutex
	data    *tensor.Tensor
	pending *lazy.Tensor
	grad    *tensor.Tensor
}

// NewParameter wraps an already materialized tensor.
func NewParameter(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, data: data}
}

// Data returns the storage, materializing a lazy parameter first.
func (p *Parameter) Data() *tensor.Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.materializeLocked()
	return p.data
}

// Materialize realizes a lazy parameter. It is a no-op for eager ones.
func (p *Parameter) Materialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.materializeLocked()
}

func (p *Parameter) materializeLocked() {
	if p.pending != nil {
		p.data = p.pending.Materialize()
		p.pending = nil
	}
}

// IsLazy reports whether storage has not been realized yet.
func (p *Parameter) IsLazy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Shape works without materializing.
func (p *Parameter) Shape() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return p.pending.Shape()
	}
	return p.data.Shape()
}

// Set replaces the storage. Any accumulated gradient is dropped since its shape may no longer match.
func (p *Parameter) Set(t *tensor.Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.data = t
	p.grad = nil
}

// Grad returns the accumulated gradient, or nil when none has been accumulated.
func (p *Parameter) Grad() *tensor.Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grad
}

// AccumulateGrad adds g into the gradient, allocating it on first use.
func (p *Parameter) AccumulateGrad(g *tensor.Tensor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.materializeLocked()
	if !g.ShapeEqual(p.data.Shape()...) {
		return fmt.Errorf("%w: gradient %v for parameter %s %v", tensor.ErrShape, g.Shape(), p.Name, p.data.Shape())
	}
	if p.grad == nil {
		p.grad = g.Clone()
		return nil
	}
	return tensor.AddInPlace(p.grad, g)
}

func (p *Parameter) ZeroGrad() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grad = nil
}

// Initializer creates parameters either eagerly or through a lazy context.
type Initializer interface {
	Param(name string, shape []int, fill lazy.FillFunc) *Parameter
}

type eagerInit struct{}

// Eager fills parameters immediately.
func Eager() Initializer {
	return eagerInit{}
}

func (eagerInit) Param(name string, shape []int, fill lazy.FillFunc) *Parameter {
	t := tensor.New(shape...)
	if fill != nil {
		fill(t)
	}
	return NewParameter(name, t)
}

type lazyInit struct {
	ctx *lazy.Context
}

// Lazy defers allocation and fill to ctx; parameters materialize on first Data call.
func Lazy(ctx *lazy.Context) Initializer {
	return lazyInit{ctx: ctx}
}

func (l lazyInit) Param(name string, shape []int, fill lazy.FillFunc) *Parameter {
	return &Parameter{Name: name, pending: l.ctx.Tensor(shape, fill)}
}

// Normal returns a fill drawing N(0, std^2) from rng at fill time.
func Normal(rng *rand.Rand, std float32) lazy.FillFunc {
	return func(t *tensor.Tensor) {
		tensor.FillNormal(t, rng, std)
	}
}
