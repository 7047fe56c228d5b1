// Package gradstore defers weight-gradient computation. Backward passes Put their
// contributions into a buffer; Flush files the buffer under a chunk id and Pop later
// computes and applies the oldest flushed buffer for that chunk.
package gradstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/nn"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// ErrEmptyQueue is returned by Pop when nothing was flushed for the chunk.
var ErrEmptyQueue = errors.New("grad store queue is empty")

// GradFunc computes a weight gradient from the saved input and output gradient.
type GradFunc func(input, gradOut *tensor.Tensor) (*tensor.Tensor, error)

type contribution struct {
	param   *nn.Parameter
	input   *tensor.Tensor
	gradOut *tensor.Tensor
	fn      GradFunc
}

// Store is safe for concurrent use. The zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	buffer []contribution
	queues map[int][][]contribution
}

func New() *Store {
	return &Store{queues: make(map[int][][]contribution)}
}

// Put buffers one deferred contribution to param's gradient.
func (s *Store) Put(param *nn.Parameter, input, gradOut *tensor.Tensor, fn GradFunc) {
	if fn == nil {
		fn = nn.WeightGrad
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, contribution{param: param, input: input, gradOut: gradOut, fn: fn})
}

// Flush moves the current buffer to the back of chunk's queue. Flushing an empty
// buffer still enqueues an (empty) entry so Flush and Pop stay paired.
func (s *Store) Flush(chunk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[chunk] = append(s.queues[chunk], s.buffer)
	s.buffer = nil
	metrics.RecordGradStoreFlush()
	metrics.RecordGradStoreDepth(chunk, len(s.queues[chunk]))
}

// Pop applies the oldest flushed buffer for chunk and returns how many contributions ran.
// Every gradient is computed and shape-checked before any is applied; when one fails
// nothing is applied and the buffer goes back to the head of the queue.
func (s *Store) Pop(chunk int) (int, error) {
	s.mu.Lock()
	q := s.queues[chunk]
	if len(q) == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk %d", ErrEmptyQueue, chunk)
	}
	batch := q[0]
	s.queues[chunk] = q[1:]
	depth := len(s.queues[chunk])
	s.mu.Unlock()
	metrics.RecordGradStoreDepth(chunk, depth)

	grads, err := compute(batch)
	if err != nil {
		s.requeue(chunk, batch)
		return 0, err
	}
	for i, c := range batch {
		if err := c.param.AccumulateGrad(grads[i]); err != nil {
			return i, fmt.Errorf("deferred grad for %s: %w", c.param.Name, err)
		}
	}
	metrics.RecordGradStorePop(len(batch))
	return len(batch), nil
}

func compute(batch []contribution) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(batch))
	for i, c := range batch {
		g, err := c.fn(c.input, c.gradOut)
		if err != nil {
			return nil, fmt.Errorf("deferred grad for %s: %w", c.param.Name, err)
		}
		if want := c.param.Shape(); !g.ShapeEqual(want...) {
			return nil, fmt.Errorf("deferred grad for %s: %w: gradient %v for parameter %v",
				c.param.Name, tensor.ErrShape, g.Shape(), want)
		}
		grads[i] = g
	}
	return grads, nil
}

func (s *Store) requeue(chunk int, batch []contribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[chunk] = append([][]contribution{batch}, s.queues[chunk]...)
	metrics.RecordGradStoreDepth(chunk, len(s.queues[chunk]))
}

// Pending is the number of flushed buffers waiting for chunk.
func (s *Store) Pending(chunk int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[chunk])
}

// Buffered is the number of contributions not flushed yet.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
