package dist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

func TestHubRoundLifecycle(t *testing.T) {
	h := NewHub(2)
	ctx := context.Background()

	if err := h.Deposit("r/1", 0, tensor.Full(1, 2)); err != nil {
		t.Fatalf("deposit rank 0: %v", err)
	}
	if err := h.Deposit("r/1", 1, tensor.Full(2, 2)); err != nil {
		t.Fatalf("deposit rank 1: %v", err)
	}
	for rank := 0; rank < 2; rank++ {
		parts, err := h.Collect(ctx, "r/1")
		if err != nil {
			t.Fatalf("collect %d: %v", rank, err)
		}
		if parts[0].Data()[0] != 1 || parts[1].Data()[0] != 2 {
			t.Errorf("contributions out of rank order: %v %v", parts[0], parts[1])
		}
	}
	if n := h.Outstanding(); n != 0 {
		t.Errorf("expected round to be freed, %d outstanding", n)
	}
}

func TestHubRejectsBadDeposits(t *testing.T) {
	h := NewHub(2)
	if err := h.Deposit("k", 2, tensor.New(1)); !errors.Is(err, ErrBadRank) {
		t.Errorf("rank out of range: got %v", err)
	}
	if err := h.Deposit("k", 0, tensor.New(1)); err != nil {
		t.Fatal(err)
	}
	if err := h.Deposit("k", 0, tensor.New(1)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second deposit: got %v", err)
	}
	h.Close()
	if err := h.Deposit("other", 1, tensor.New(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("deposit after close: got %v", err)
	}
}

func TestHubCollectUnblocks(t *testing.T) {
	tests := []struct {
		name  string
		apply func(h *Hub, cancel context.CancelFunc)
		want  error
	}{
		{"close", func(h *Hub, _ context.CancelFunc) { h.Close() }, ErrClosed},
		{"cancel", func(_ *Hub, cancel context.CancelFunc) { cancel() }, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(2)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			_ = h.Deposit("k", 0, tensor.New(1))

			done := make(chan error, 1)
			go func() {
				_, err := h.Collect(ctx, "k")
				done <- err
			}()
			tt.apply(h, cancel)

			select {
			case err := <-done:
				if !errors.Is(err, tt.want) {
					t.Errorf("got %v, want %v", err, tt.want)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("collect did not return")
			}
		})
	}
}

func TestHubWaitDrained(t *testing.T) {
	h := NewHub(1)
	ctx := context.Background()
	if err := h.WaitDrained(ctx); err != nil {
		t.Fatalf("empty hub: %v", err)
	}

	_ = h.Deposit("k", 0, tensor.New(1))
	done := make(chan error, 1)
	go func() { done <- h.WaitDrained(ctx) }()

	select {
	case <-done:
		t.Fatal("drained before the round was collected")
	case <-time.After(20 * time.Millisecond):
	}
	if _, err := h.Collect(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("wait drained: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitDrained did not return")
	}
}
