// Package tensor implements dense row-major float32 tensors and the small set of
// CPU kernels needed to run and differentiate GPT-2 style linear projections.
package tensor

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/23skdu/longbow-shard/internal/metrics"
)

// ErrShape is returned (wrapped) by every operation whose operands have incompatible shapes.
var ErrShape = errors.New("shape mismatch")

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordTensorBytes(newVal)
}

// AllocatedBytes reports the bytes held by tensors that have not been collected yet.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Tensor is a dense float32 tensor. Views created by Reshape share storage.
type Tensor struct {
	data  []float32
	shape []int
	// base owns data when t is a view; it stays reachable while the view is.
	base *Tensor
}

func alloc(data []float32, shape []int) *Tensor {
	t := &Tensor{data: data, shape: slices.Clone(shape)}
	size := int64(cap(data)) * 4
	traceAlloc(size)
	runtime.AddCleanup(t, func(n int64) { traceAlloc(-n) }, size)
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validShape(shape []int) error {
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
	}
	return nil
}

// New allocates a zero-filled tensor. It panics on a negative dimension; use
// FromSlice when the shape comes from input.
func New(shape ...int) *Tensor {
	if err := validShape(shape); err != nil {
		panic(err)
	}
	return alloc(make([]float32, numel(shape)), shape)
}

// Zeros is an alias of New.
func Zeros(shape ...int) *Tensor {
	return New(shape...)
}

// Ones allocates a tensor filled with 1.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Full allocates a tensor filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice wraps data without copying. The caller must not reuse data afterwards.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if err := validShape(shape); err != nil {
		return nil, err
	}
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return alloc(data, shape), nil
}

// MustFromSlice is FromSlice that panics on error, for literals in tests.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Randn fills a new tensor with N(0, std^2) samples drawn from rng.
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := New(shape...)
	FillNormal(t, rng, std)
	return t
}

// FillNormal overwrites t with N(0, std^2) samples.
func FillNormal(t *Tensor, rng *rand.Rand, std float32) {
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
}

// Rand fills a new tensor with uniform samples in [0, 1).
func Rand(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = rng.Float32()
	}
	return t
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of dimension d; negative d counts from the end. It panics
// when d is out of range.
func (t *Tensor) Dim(d int) int {
	nd, err := normalizeDim(d, len(t.shape))
	if err != nil {
		panic(err)
	}
	return t.shape[nd]
}

func (t *Tensor) Numel() int {
	return len(t.data)
}

// Data exposes the backing storage.
func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Clone() *Tensor {
	return alloc(slices.Clone(t.data), t.shape)
}

// Reshape returns a view with a new shape. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: invalid reshape %v", ErrShape, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension reshaping %v to %v", ErrShape, t.shape, shape)
		}
		out[infer] = len(t.data) / known
	}
	if numel(out) != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
	}
	return &Tensor{data: t.data, shape: out, base: t.owner()}, nil
}

func (t *Tensor) owner() *Tensor {
	if t.base != nil {
		return t.base
	}
	return t
}

// CopyFrom overwrites t's storage in place with src's values.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !slices.Equal(t.shape, src.shape) {
		return fmt.Errorf("%w: copy %v into %v", ErrShape, src.shape, t.shape)
	}
	copy(t.data, src.data)
	return nil
}

// SameStorage reports whether a and b share backing memory.
func SameStorage(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.data) == 0 || len(b.data) == 0 {
		return false
	}
	return &a.data[0] == &b.data[0]
}

// ShapeEqual reports whether t has exactly the given shape.
func (t *Tensor) ShapeEqual(shape ...int) bool {
	return slices.Equal(t.shape, shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("%w: dimension %d out of range for rank %d", ErrShape, dim, rank)
	}
	return dim, nil
}

// strides splits shape around dim into (outer, size, inner) element counts.
func strides(shape []int, dim int) (outer, size, inner int) {
	outer = numel(shape[:dim])
	size = shape[dim]
	inner = numel(shape[dim+1:])
	return
}
