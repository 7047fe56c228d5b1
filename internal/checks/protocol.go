package checks

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-shard/internal/gradstore"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// CheckColumn shards the output features GPT-2 style and gathers the output.
func (c *Checker) CheckColumn(ctx context.Context, tc Case) error {
	return c.run(CheckColumn, tc, func(r *recorder) error {
		nx, nf, world := c.cfg.InFeatures, c.cfg.OutFeatures, c.group.Size()
		rng, dense, native := c.layers(streamColumn, tc.LazyInit)
		w, b := native.Weight, native.Bias

		col, err := shard.ColumnFromNative(ctx, native, shard.ColumnOptions{
			Group:           c.group,
			GatherOutput:    true,
			SeqParallelMode: tc.SeqParallelMode,
			SplitSizes:      c.cfg.SplitSizes,
		})
		if err != nil {
			return err
		}

		for _, err := range []error{
			shape("dense weight", dense.Weight, nx, nf),
			shape("dense bias", dense.Bias, nf),
			shape("column weight", col.Weight, nx, nf/world),
			shape("column bias", col.Bias, nf/world),
			identity("column weight", col.Weight, w),
			identity("column bias", col.Bias, b),
		} {
			if err != nil {
				return err
			}
		}
		if err := c.exchangeState(ctx, CheckColumn, dense, col); err != nil {
			return err
		}

		x := c.input(rng)
		out, err := dense.Forward(ctx, x)
		if err != nil {
			return err
		}
		xShard := x.Clone()
		if tc.SeqParallelMode == shard.SplitGather {
			if xShard, err = c.seqChunk(x); err != nil {
				return err
			}
		}
		gathered, err := col.Forward(ctx, xShard)
		if err != nil {
			return err
		}
		if err := r.close("forward output", gathered, out); err != nil {
			return err
		}

		if _, err := backward(ctx, dense, out); err != nil {
			return err
		}
		if _, err := backward(ctx, col, gathered); err != nil {
			return err
		}
		target, err := shard.SplitFusedQKV(dense.Weight.Grad(), c.cfg.SplitSizes, c.group.Rank(), world, -1)
		if err != nil {
			return err
		}
		return r.close("weight grad", col.Weight.Grad(), target)
	})
}

// CheckRow shards the input features; under split_gather each rank keeps its
// sequence chunk of the output.
func (c *Checker) CheckRow(ctx context.Context, tc Case) error {
	return c.run(CheckRow, tc, func(r *recorder) error {
		nx, nf, world := c.cfg.InFeatures, c.cfg.OutFeatures, c.group.Size()
		rng, dense, native := c.layers(streamRow, tc.LazyInit)
		w, b := native.Weight, native.Bias

		row, err := shard.RowFromNative(ctx, native, shard.RowOptions{
			Group:           c.group,
			SeqParallelMode: tc.SeqParallelMode,
		})
		if err != nil {
			return err
		}

		for _, err := range []error{
			shape("dense weight", dense.Weight, nx, nf),
			shape("row weight", row.Weight, nx/world, nf),
			shape("row bias", row.Bias, nf),
			identity("row weight", row.Weight, w),
			identity("row bias", row.Bias, b),
		} {
			if err != nil {
				return err
			}
		}
		if err := c.exchangeState(ctx, CheckRow, dense, row); err != nil {
			return err
		}

		x := c.input(rng)
		out, err := dense.Forward(ctx, x)
		if err != nil {
			return err
		}
		got, err := row.Forward(ctx, x)
		if err != nil {
			return err
		}
		target := out
		if tc.SeqParallelMode == shard.SplitGather {
			if target, err = c.seqChunk(out); err != nil {
				return err
			}
		}
		if err := r.close("forward output", got, target); err != nil {
			return err
		}

		if _, err := backward(ctx, dense, out); err != nil {
			return err
		}
		if _, err := backward(ctx, row, got); err != nil {
			return err
		}
		chunks, err := tensor.Chunk(dense.Weight.Grad(), world, 0)
		if err != nil {
			return err
		}
		return r.close("weight grad", row.Weight.Grad(), chunks[c.group.Rank()])
	})
}

// CheckFusedNoGather checks the full-weight fused layer with immediate gradients.
func (c *Checker) CheckFusedNoGather(ctx context.Context, tc Case) error {
	return c.run(CheckFused, tc, func(r *recorder) error {
		return c.checkFused(ctx, r, CheckFused, streamFused, tc, nil)
	})
}

// CheckFusedWithGradStore defers the weight gradient to a store, then flushes and
// pops chunk 0 before comparing.
func (c *Checker) CheckFusedWithGradStore(ctx context.Context, tc Case) error {
	return c.run(CheckGradStore, tc, func(r *recorder) error {
		return c.checkFused(ctx, r, CheckGradStore, streamGradStore, tc, gradstore.New())
	})
}

func (c *Checker) checkFused(ctx context.Context, r *recorder, name string, stream uint64, tc Case, store *gradstore.Store) error {
	nx, nf := c.cfg.InFeatures, c.cfg.OutFeatures
	rng, dense, native := c.layers(stream, tc.LazyInit)
	w, b := native.Weight, native.Bias

	fused, err := shard.FusedFromNative(ctx, native, shard.FusedOptions{
		SeqParallelMode: tc.SeqParallelMode,
		GradStore:       store,
	})
	if err != nil {
		return err
	}

	for _, err := range []error{
		shape("dense weight", dense.Weight, nx, nf),
		shape("fused weight", fused.Weight, nx, nf),
		shape("fused bias", fused.Bias, nf),
		identity("fused weight", fused.Weight, w),
		identity("fused bias", fused.Bias, b),
	} {
		if err != nil {
			return err
		}
	}
	if err := c.exchangeState(ctx, name, dense, fused); err != nil {
		return err
	}

	x := c.input(rng)
	out, err := dense.Forward(ctx, x)
	if err != nil {
		return err
	}
	got, err := fused.Forward(ctx, x)
	if err != nil {
		return err
	}
	if err := r.close("forward output", got, out); err != nil {
		return err
	}

	gxWant, err := backward(ctx, dense, out)
	if err != nil {
		return err
	}
	gx, err := backward(ctx, fused, got)
	if err != nil {
		return err
	}

	if store != nil {
		if g := fused.Weight.Grad(); g != nil {
			return fmt.Errorf("%w: weight grad applied before the store was popped", ErrMismatch)
		}
		store.Flush(0)
		if _, err := store.Pop(0); err != nil {
			return err
		}
	}

	if err := r.close("input grad", gx, gxWant); err != nil {
		return err
	}
	return r.close("weight grad", fused.Weight.Grad(), dense.Weight.Grad())
}
