// Package checks verifies that sharded GPT-2 fused linear layers reproduce the dense
// Conv1D they were built from: shapes, parameter identity, state-dict exchange,
// forward outputs and weight gradients.
//
// Every rank runs the same checks with the same seed, so the dense reference layer and
// the input are identical across ranks without any communication.
package checks

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/lazy"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/nn"
	"github.com/23skdu/longbow-shard/internal/shard"
	"github.com/23skdu/longbow-shard/internal/tensor"
)

// ErrMismatch is wrapped by every failed comparison.
var ErrMismatch = errors.New("sharded layer does not match dense reference")

// Check names, also used as metric labels.
const (
	CheckColumn    = "column"
	CheckRow       = "row"
	CheckFused     = "fused_no_gather"
	CheckGradStore = "fused_grad_store"
)

// Case is one point of the lazy-init x sequence-parallel grid.
type Case struct {
	LazyInit        bool
	SeqParallelMode shard.SeqParallelMode
}

func (c Case) String() string {
	return fmt.Sprintf("lazy_init=%t/seq_parallel=%s", c.LazyInit, c.SeqParallelMode)
}

// Cases is the full grid, lazy init outermost.
func Cases() []Case {
	var out []Case
	for _, lazyInit := range []bool{false, true} {
		for _, mode := range []shard.SeqParallelMode{shard.SplitGather, shard.SeqParallelNone} {
			out = append(out, Case{LazyInit: lazyInit, SeqParallelMode: mode})
		}
	}
	return out
}

// Result records one passed check.
type Result struct {
	Check    string
	Case     Case
	Duration time.Duration
	// MaxAbsDiff is the largest difference seen across the check's comparisons.
	MaxAbsDiff float64
}

// Checker runs the checks for one rank of a group.
type Checker struct {
	group dist.Group
	cfg   config.Config
	log   *logger.Logger

	mu      sync.Mutex
	results []Result
}

func NewChecker(g dist.Group, cfg config.Config) *Checker {
	return &Checker{
		group: g,
		cfg:   cfg,
		log:   logger.Log.With("rank", g.Rank()),
	}
}

// Results returns the checks that passed so far.
func (c *Checker) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.results)
}

// RunAll runs every case of Cases and stops at the first failure.
func (c *Checker) RunAll(ctx context.Context) error {
	for _, tc := range Cases() {
		if err := c.RunCase(ctx, tc); err != nil {
			return err
		}
	}
	passed, failed := metrics.CheckTotals()
	c.log.Info("all checks passed", "cases", len(Cases()), "passed_total", passed, "failed_total", failed)
	return nil
}

// RunCase runs the four checks for tc. The column and row checks use the case's
// sequence parallel mode; the fused checks always run without one.
func (c *Checker) RunCase(ctx context.Context, tc Case) error {
	c.log.Info("running case", "case", tc.String())
	if err := c.CheckColumn(ctx, tc); err != nil {
		return err
	}
	if err := c.CheckRow(ctx, tc); err != nil {
		return err
	}
	fused := Case{LazyInit: tc.LazyInit, SeqParallelMode: shard.SeqParallelNone}
	if err := c.CheckFusedNoGather(ctx, fused); err != nil {
		return err
	}
	return c.CheckFusedWithGradStore(ctx, fused)
}

// run times fn, records its outcome and tags any error with the check and case.
func (c *Checker) run(name string, tc Case, fn func(r *recorder) error) error {
	start := time.Now()
	r := &recorder{rtol: c.cfg.RTol, atol: c.cfg.ATol}
	err := fn(r)
	dur := time.Since(start)
	metrics.RecordCheck(name, err == nil, dur)
	metrics.RecordMaxAbsDiff(name, r.maxAbs)
	if err != nil {
		c.log.Error("check failed", "check", name, "case", tc.String(), "error", err)
		return fmt.Errorf("%s check (%s): %w", name, tc, err)
	}
	c.mu.Lock()
	c.results = append(c.results, Result{Check: name, Case: tc, Duration: dur, MaxAbsDiff: r.maxAbs})
	c.mu.Unlock()
	c.log.Debug("check passed", "check", name, "case", tc.String(), "max_abs_diff", r.maxAbs, "duration", dur)
	return nil
}

// recorder compares tensors for one check and tracks the worst difference.
type recorder struct {
	rtol   float64
	atol   float64
	maxAbs float64
}

func (r *recorder) close(what string, got, want *tensor.Tensor) error {
	if got == nil || want == nil {
		return fmt.Errorf("%w: %s: missing tensor (got %v, want %v)", ErrMismatch, what, got, want)
	}
	d, err := tensor.Compare(got, want, r.rtol, r.atol)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMismatch, what, err)
	}
	r.maxAbs = max(r.maxAbs, d.MaxAbs)
	if d.Mismatched > 0 {
		return fmt.Errorf("%w: %s: %w", ErrMismatch, what, tensor.AllClose(got, want, r.rtol, r.atol))
	}
	return nil
}

func shape(what string, p *nn.Parameter, want ...int) error {
	if got := p.Shape(); !slices.Equal(got, want) {
		return fmt.Errorf("%w: %s shape %v, want %v", ErrMismatch, what, got, want)
	}
	return nil
}

func identity(what string, got, want *nn.Parameter) error {
	if got != want {
		return fmt.Errorf("%w: %s is not the dense module's parameter", ErrMismatch, what)
	}
	return nil
}

// Seed streams keep each check's draws independent of the others.
const (
	streamColumn uint64 = iota + 1
	streamRow
	streamFused
	streamGradStore
)

// layers builds the dense reference and the module to be sharded. Both draw from the
// same rng; with lazy init the copy's weight is drawn when it materializes, which
// happens in the sharding constructor before the input is drawn.
func (c *Checker) layers(stream uint64, lazyInit bool) (*rand.Rand, *nn.Conv1D, *nn.Conv1D) {
	rng := rand.New(rand.NewPCG(c.cfg.Seed, stream))
	dense := nn.NewConv1D(c.cfg.OutFeatures, c.cfg.InFeatures, rng, nn.Eager())
	pinit := nn.Eager()
	if lazyInit {
		pinit = nn.Lazy(lazy.NewContext())
	}
	return rng, dense, nn.NewConv1D(c.cfg.OutFeatures, c.cfg.InFeatures, rng, pinit)
}

// exchangeState loads the dense state into the sharded layer and the sharded state
// back into the dense layer. With a state dir the dense state goes through an Arrow file.
func (c *Checker) exchangeState(ctx context.Context, name string, dense, sharded nn.Module) error {
	sd, err := dense.StateDict(ctx)
	if err != nil {
		return fmt.Errorf("dense state dict: %w", err)
	}
	if c.cfg.StateDir != "" {
		if sd, err = c.roundTripFile(name, sd); err != nil {
			return err
		}
	}
	if err := sharded.LoadStateDict(ctx, sd); err != nil {
		return fmt.Errorf("load dense state into sharded layer: %w", err)
	}
	back, err := sharded.StateDict(ctx)
	if err != nil {
		return fmt.Errorf("sharded state dict: %w", err)
	}
	if err := dense.LoadStateDict(ctx, back); err != nil {
		return fmt.Errorf("load sharded state into dense layer: %w", err)
	}
	return nil
}

func (c *Checker) roundTripFile(name string, sd nn.StateDict) (nn.StateDict, error) {
	if err := os.MkdirAll(c.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	path := filepath.Join(c.cfg.StateDir, fmt.Sprintf("%s-rank%d.arrow", name, c.group.Rank()))
	if err := nn.SaveStateDict(path, sd); err != nil {
		return nil, err
	}
	return nn.LoadStateDictFile(path)
}

func (c *Checker) input(rng *rand.Rand) *tensor.Tensor {
	return tensor.Rand(rng, c.cfg.Batch, c.cfg.SeqLen, c.cfg.InFeatures)
}

// seqChunk returns the rank's slice of t along the sequence dimension.
func (c *Checker) seqChunk(t *tensor.Tensor) (*tensor.Tensor, error) {
	chunks, err := tensor.Chunk(t, c.group.Size(), shard.SeqDim)
	if err != nil {
		return nil, err
	}
	return chunks[c.group.Rank()], nil
}

// backward runs the gradient of out.sum() through m.
func backward(ctx context.Context, m nn.Module, out *tensor.Tensor) (*tensor.Tensor, error) {
	return m.Backward(ctx, tensor.Ones(out.Shape()...))
}
