// Package lazy defers tensor allocation and initialization until a tensor is
// explicitly materialized.
package lazy

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// FillFunc initializes freshly allocated storage.
type FillFunc func(t *tensor.Tensor)

// Context tracks every tensor created through it so they can be materialized in bulk.
type Context struct {
	mu      sync.Mutex
	tensors []*Tensor
}

func NewContext() *Context {
	return &Context{}
}

// Tensor is a tensor whose storage does not exist until Materialize is called.
type Tensor struct {
	shape []int
	fill  FillFunc

	mu sync.Mutex
	t  atomic.Pointer[tensor.Tensor]
}

// Tensor records a deferred tensor of the given shape. fill may be nil for zeros.
func (c *Context) Tensor(shape []int, fill FillFunc) *Tensor {
	lt := &Tensor{shape: slices.Clone(shape), fill: fill}
	c.mu.Lock()
	c.tensors = append(c.tensors, lt)
	c.mu.Unlock()
	return lt
}

// Pending counts tensors not materialized yet.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, lt := range c.tensors {
		if !lt.Materialized() {
			n++
		}
	}
	return n
}

// MaterializeAll realizes every tensor created through c, in creation order.
func (c *Context) MaterializeAll() {
	c.mu.Lock()
	ts := slices.Clone(c.tensors)
	c.mu.Unlock()
	for _, lt := range ts {
		lt.Materialize()
	}
}

func (lt *Tensor) Shape() []int {
	return slices.Clone(lt.shape)
}

// Materialize allocates and fills the tensor on first call and returns the same tensor afterwards.
func (lt *Tensor) Materialize() *tensor.Tensor {
	if t := lt.t.Load(); t != nil {
		return t
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if t := lt.t.Load(); t != nil {
		return t
	}
	t := tensor.New(lt.shape...)
	if lt.fill != nil {
		lt.fill(t)
	}
	lt.fill = nil
	lt.t.Store(t)
	return t
}

func (lt *Tensor) Materialized() bool {
	return lt.t.Load() != nil
}
