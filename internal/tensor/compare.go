package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Float32 comparison defaults, matching the usual assert_close tolerances.
const (
	DefaultRTol = 1.3e-6
	DefaultATol = 1e-5
)

// ErrNotClose is wrapped by AllClose when values differ beyond tolerance.
var ErrNotClose = errors.New("tensor-likes are not close")

// Diff summarizes an element-wise comparison.
type Diff struct {
	Mismatched  int
	Total       int
	MaxAbs      float64
	MaxRel      float64
	MaxAbsIndex []int
	FirstIndex  []int
}

// Compare measures got against want under |got-want| <= atol + rtol*|want|.
func Compare(got, want *Tensor, rtol, atol float64) (Diff, error) {
	if !slices.Equal(got.shape, want.shape) {
		return Diff{}, fmt.Errorf("%w: got %v, want %v", ErrShape, got.shape, want.shape)
	}
	d := Diff{Total: len(got.data)}
	maxAbsAt := -1
	for i := range got.data {
		g, w := float64(got.data[i]), float64(want.data[i])
		if math.IsNaN(g) || math.IsNaN(w) {
			d.Mismatched++
			if d.FirstIndex == nil {
				d.FirstIndex = unravel(i, got.shape)
			}
			continue
		}
		abs := math.Abs(g - w)
		if abs > d.MaxAbs {
			d.MaxAbs = abs
			maxAbsAt = i
		}
		if w != 0 {
			d.MaxRel = math.Max(d.MaxRel, abs/math.Abs(w))
		} else if abs > 0 {
			d.MaxRel = math.Inf(1)
		}
		if abs > atol+rtol*math.Abs(w) {
			d.Mismatched++
			if d.FirstIndex == nil {
				d.FirstIndex = unravel(i, got.shape)
			}
		}
	}
	if maxAbsAt >= 0 {
		d.MaxAbsIndex = unravel(maxAbsAt, got.shape)
	}
	return d, nil
}

// AllClose returns nil when got matches want within tolerance, otherwise an error wrapping
// ErrNotClose (or ErrShape) that describes the mismatch.
func AllClose(got, want *Tensor, rtol, atol float64) error {
	d, err := Compare(got, want, rtol, atol)
	if err != nil {
		return err
	}
	if d.Mismatched == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d / %d elements mismatched (greatest absolute difference %g at index %v, greatest relative difference %g, first mismatch at %v)",
		ErrNotClose, d.Mismatched, d.Total, d.MaxAbs, d.MaxAbsIndex, d.MaxRel, d.FirstIndex)
}

// Equal reports bit-exact equality of shape and values.
func Equal(a, b *Tensor) bool {
	if !slices.Equal(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}

func unravel(flat int, shape []int) []int {
	idx := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 0 {
			continue
		}
		idx[i] = flat % shape[i]
		flat /= shape[i]
	}
	return idx
}
