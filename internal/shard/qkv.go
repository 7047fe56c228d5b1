package shard

import (
	"fmt"

	"github.com/23skdu/longbow-shard/internal/tensor"
)

// SplitFusedQKV returns rank's shard of a fused projection packed along dim as
// consecutive blocks of splitSizes. Every block is chunked across world ranks and
// the rank's chunks are concatenated, so each rank keeps a slice of q, k and v.
func SplitFusedQKV(t *tensor.Tensor, splitSizes []int, rank, world, dim int) (*tensor.Tensor, error) {
	if err := checkSplitSizes(splitSizes, world); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, world)
	}
	blocks, err := tensor.Split(t, splitSizes, dim)
	if err != nil {
		return nil, err
	}
	own := make([]*tensor.Tensor, len(blocks))
	for i, b := range blocks {
		chunks, err := tensor.Chunk(b, world, dim)
		if err != nil {
			return nil, err
		}
		own[i] = chunks[rank]
	}
	return tensor.Cat(dim, own...)
}

// GatherFusedQKV is the inverse of SplitFusedQKV: parts holds every rank's shard in
// rank order.
func GatherFusedQKV(parts []*tensor.Tensor, splitSizes []int, dim int) (*tensor.Tensor, error) {
	world := len(parts)
	if err := checkSplitSizes(splitSizes, world); err != nil {
		return nil, err
	}
	local := make([]int, len(splitSizes))
	for i, s := range splitSizes {
		local[i] = s / world
	}

	perRank := make([][]*tensor.Tensor, world)
	for rank, p := range parts {
		blocks, err := tensor.Split(p, local, dim)
		if err != nil {
			return nil, fmt.Errorf("rank %d shard: %w", rank, err)
		}
		perRank[rank] = blocks
	}

	ordered := make([]*tensor.Tensor, 0, len(splitSizes)*world)
	for i := range splitSizes {
		for rank := 0; rank < world; rank++ {
			ordered = append(ordered, perRank[rank][i])
		}
	}
	return tensor.Cat(dim, ordered...)
}

func checkSplitSizes(splitSizes []int, world int) error {
	if world <= 0 {
		return fmt.Errorf("%w: world size %d", ErrIndivisible, world)
	}
	if len(splitSizes) == 0 {
		return fmt.Errorf("%w: empty split sizes", tensor.ErrShape)
	}
	for _, s := range splitSizes {
		if s <= 0 || s%world != 0 {
			return fmt.Errorf("%w: split size %d across %d workers", ErrIndivisible, s, world)
		}
	}
	return nil
}

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}
