package tensor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-shard/internal/metrics"
)

// parallelRows runs fn over [0, rows) split into one contiguous chunk per CPU.
func parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	if rows == 0 {
		return
	}
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// Flatten2D views t as [numel/last, last].
func Flatten2D(t *Tensor) (*Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("%w: cannot flatten a scalar", ErrShape)
	}
	return t.Reshape(-1, t.shape[len(t.shape)-1])
}

func require2D(name string, t *Tensor) error {
	if t.Rank() != 2 {
		return fmt.Errorf("%w: %s must be 2-D, got %v", ErrShape, name, t.shape)
	}
	return nil
}

// MatMul computes a[m,k] @ b[k,n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := require2D("a", a); err != nil {
		return nil, err
	}
	if err := require2D("b", b); err != nil {
		return nil, err
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	if b.shape[0] != k {
		return nil, fmt.Errorf("%w: matmul %v @ %v", ErrShape, a.shape, b.shape)
	}
	start := time.Now()
	out := New(m, n)
	in, w, o := a.data, b.data, out.data
	parallelRows(m, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			for col := 0; col < n; col++ {
				var sum float64
				for l := 0; l < k; l++ {
					sum += float64(in[row*k+l]) * float64(w[l*n+col])
				}
				o[row*n+col] = float32(sum)
			}
		}
	})
	metrics.RecordKernelDuration("matmul", time.Since(start))
	return out, nil
}

// MatMulTN computes a[m,k]ᵀ @ b[m,n], the weight-gradient product.
func MatMulTN(a, b *Tensor) (*Tensor, error) {
	if err := require2D("a", a); err != nil {
		return nil, err
	}
	if err := require2D("b", b); err != nil {
		return nil, err
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	if b.shape[0] != m {
		return nil, fmt.Errorf("%w: matmul %vᵀ @ %v", ErrShape, a.shape, b.shape)
	}
	start := time.Now()
	out := New(k, n)
	x, g, o := a.data, b.data, out.data
	parallelRows(k, func(rowStart, rowEnd int) {
		for i := rowStart; i < rowEnd; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for r := 0; r < m; r++ {
					sum += float64(x[r*k+i]) * float64(g[r*n+j])
				}
				o[i*n+j] = float32(sum)
			}
		}
	})
	metrics.RecordKernelDuration("matmul_tn", time.Since(start))
	return out, nil
}

// MatMulNT computes a[m,n] @ b[k,n]ᵀ, the input-gradient product.
func MatMulNT(a, b *Tensor) (*Tensor, error) {
	if err := require2D("a", a); err != nil {
		return nil, err
	}
	if err := require2D("b", b); err != nil {
		return nil, err
	}
	m, n, k := a.shape[0], a.shape[1], b.shape[0]
	if b.shape[1] != n {
		return nil, fmt.Errorf("%w: matmul %v @ %vᵀ", ErrShape, a.shape, b.shape)
	}
	start := time.Now()
	out := New(m, k)
	g, w, o := a.data, b.data, out.data
	parallelRows(m, func(rowStart, rowEnd int) {
		for i := rowStart; i < rowEnd; i++ {
			for j := 0; j < k; j++ {
				var sum float64
				for c := 0; c < n; c++ {
					sum += float64(g[i*n+c]) * float64(w[j*n+c])
				}
				o[i*k+j] = float32(sum)
			}
		}
	})
	metrics.RecordKernelDuration("matmul_nt", time.Since(start))
	return out, nil
}

// AddMM computes bias + x @ w over the last dimension of x, keeping x's leading dims.
// w is [in, out] (the GPT-2 Conv1D layout). bias may be nil.
func AddMM(bias, x, w *Tensor) (*Tensor, error) {
	flat, err := Flatten2D(x)
	if err != nil {
		return nil, err
	}
	out, err := MatMul(flat, w)
	if err != nil {
		return nil, err
	}
	n := w.shape[1]
	if bias != nil {
		if !bias.ShapeEqual(n) {
			return nil, fmt.Errorf("%w: bias %v for output width %d", ErrShape, bias.shape, n)
		}
		b := bias.data
		o := out.data
		for row := 0; row < out.shape[0]; row++ {
			for col := 0; col < n; col++ {
				o[row*n+col] += b[col]
			}
		}
	}
	shape := x.Shape()
	shape[len(shape)-1] = n
	return out.Reshape(shape...)
}

// SumRows reduces every dimension but the last, e.g. [b, s, n] -> [n].
func SumRows(t *Tensor) (*Tensor, error) {
	flat, err := Flatten2D(t)
	if err != nil {
		return nil, err
	}
	rows, n := flat.shape[0], flat.shape[1]
	acc := make([]float64, n)
	for r := 0; r < rows; r++ {
		for c := 0; c < n; c++ {
			acc[c] += float64(flat.data[r*n+c])
		}
	}
	out := New(n)
	for c, v := range acc {
		out.data[c] = float32(v)
	}
	return out, nil
}
