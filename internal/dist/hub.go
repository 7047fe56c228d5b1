package dist

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// Hub is the rendezvous point of a collective group. Every collective is a round
// identified by a key; a round is complete once all ranks have deposited and is
// forgotten once all ranks have collected it.
type Hub struct {
	size int

	mu      sync.Mutex
	rounds  map[string]*round
	closed  chan struct{}
	drained chan struct{}
}

type round struct {
	parts     []*tensor.Tensor
	arrived   int
	collected int
	ready     chan struct{}
}

func NewHub(size int) *Hub {
	return &Hub{
		size:   size,
		rounds: make(map[string]*round),
		closed: make(chan struct{}),
	}
}

func (h *Hub) Size() int {
	return h.size
}

func (h *Hub) roundLocked(key string) *round {
	r, ok := h.rounds[key]
	if !ok {
		r = &round{parts: make([]*tensor.Tensor, h.size), ready: make(chan struct{})}
		h.rounds[key] = r
	}
	return r
}

// Deposit records rank's contribution to the round key.
func (h *Hub) Deposit(key string, rank int, t *tensor.Tensor) error {
	if rank < 0 || rank >= h.size {
		return fmt.Errorf("%w: rank %d outside world of %d", ErrBadRank, rank, h.size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	r := h.roundLocked(key)
	if r.parts[rank] != nil {
		return fmt.Errorf("%w: rank %d already contributed to %s", ErrDuplicate, rank, key)
	}
	r.parts[rank] = t
	r.arrived++
	if r.arrived == h.size {
		close(r.ready)
	}
	return nil
}

// Collect waits until every rank has deposited into key and returns the contributions
// in rank order. Each rank must collect a round exactly once.
func (h *Hub) Collect(ctx context.Context, key string) ([]*tensor.Tensor, error) {
	h.mu.Lock()
	r := h.roundLocked(key)
	h.mu.Unlock()

	select {
	case <-r.ready:
	case <-h.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r.collected++
	if r.collected == h.size {
		delete(h.rounds, key)
		if len(h.rounds) == 0 && h.drained != nil {
			close(h.drained)
			h.drained = nil
		}
	}
	return r.parts, nil
}

// Outstanding is the number of rounds not yet collected by every rank.
func (h *Hub) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// WaitDrained blocks until no round is outstanding.
func (h *Hub) WaitDrained(ctx context.Context) error {
	h.mu.Lock()
	if len(h.rounds) == 0 {
		h.mu.Unlock()
		return nil
	}
	if h.drained == nil {
		h.drained = make(chan struct{})
	}
	ch := h.drained
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fails every pending and future call with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
}
