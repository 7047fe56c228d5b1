package tensor

import (
	"fmt"
	"slices"
)

// Split cuts t along dim into consecutive pieces of the given sizes.
func Split(t *Tensor, sizes []int, dim int) ([]*Tensor, error) {
	d, err := normalizeDim(dim, t.Rank())
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative split size in %v", ErrShape, sizes)
		}
		total += s
	}
	if total != t.shape[d] {
		return nil, fmt.Errorf("%w: split sizes %v do not sum to dimension %d of %v", ErrShape, sizes, d, t.shape)
	}

	outer, size, inner := strides(t.shape, d)
	parts := make([]*Tensor, len(sizes))
	offset := 0
	for p, s := range sizes {
		shape := slices.Clone(t.shape)
		shape[d] = s
		part := New(shape...)
		block := s * inner
		for i := 0; i < outer; i++ {
			src := (i*size + offset) * inner
			copy(part.data[i*block:(i+1)*block], t.data[src:src+block])
		}
		parts[p] = part
		offset += s
	}
	return parts, nil
}

// Chunk splits t into n equal pieces along dim. The dimension must be divisible by n.
func Chunk(t *Tensor, n, dim int) ([]*Tensor, error) {
	d, err := normalizeDim(dim, t.Rank())
	if err != nil {
		return nil, err
	}
	if n <= 0 || t.shape[d]%n != 0 {
		return nil, fmt.Errorf("%w: dimension %d of %v is not divisible into %d chunks", ErrShape, d, t.shape, n)
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = t.shape[d] / n
	}
	return Split(t, sizes, d)
}

// Narrow copies length entries of dim starting at start.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	d, err := normalizeDim(dim, t.Rank())
	if err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start+length > t.shape[d] {
		return nil, fmt.Errorf("%w: narrow [%d, %d) out of range for dimension %d of %v", ErrShape, start, start+length, d, t.shape)
	}
	parts, err := Split(t, []int{start, length, t.shape[d] - start - length}, d)
	if err != nil {
		return nil, err
	}
	return parts[1], nil
}

// Cat concatenates tensors along dim. All other dimensions must agree.
func Cat(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: cat of zero tensors", ErrShape)
	}
	first := ts[0]
	d, err := normalizeDim(dim, first.Rank())
	if err != nil {
		return nil, err
	}
	shape := slices.Clone(first.shape)
	shape[d] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			return nil, fmt.Errorf("%w: cat of rank %d and rank %d", ErrShape, first.Rank(), t.Rank())
		}
		for i := range t.shape {
			if i != d && t.shape[i] != first.shape[i] {
				return nil, fmt.Errorf("%w: cat along %d of %v and %v", ErrShape, d, first.shape, t.shape)
			}
		}
		shape[d] += t.shape[d]
	}

	out := New(shape...)
	outer, size, inner := strides(shape, d)
	offset := 0
	for _, t := range ts {
		block := t.shape[d] * inner
		for i := 0; i < outer; i++ {
			dst := (i*size + offset) * inner
			copy(out.data[dst:dst+block], t.data[i*block:(i+1)*block])
		}
		offset += t.shape[d]
	}
	return out, nil
}

// Add returns a + b for identically shaped tensors.
func Add(a, b *Tensor) (*Tensor, error) {
	out := a.Clone()
	if err := AddInPlace(out, b); err != nil {
		return nil, err
	}
	return out, nil
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if !slices.Equal(dst.shape, src.shape) {
		return fmt.Errorf("%w: add %v to %v", ErrShape, src.shape, dst.shape)
	}
	for i, v := range src.data {
		dst.data[i] += v
	}
	return nil
}

// Sum adds every element in float64.
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}
