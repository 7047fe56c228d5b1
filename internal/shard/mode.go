// Package shard builds tensor-parallel versions of the GPT-2 Conv1D projection.
//
// A sharded layer is constructed from a dense nn.Conv1D and keeps that module's
// *nn.Parameter values, replacing their storage with the rank's shard. State dicts
// always hold full tensors, so dense and sharded layers can load each other's.
package shard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-shard/internal/dist"
	"github.com/23skdu/longbow-shard/internal/nn"
)

var (
	ErrUnsupportedMode = errors.New("unsupported sequence parallel mode")
	ErrIndivisible     = errors.New("dimension not divisible across workers")
	ErrNoGroup         = errors.New("sharded layer needs a collective group")
)

// SeqDim is the sequence dimension of [batch, seq, hidden] activations.
const SeqDim = 1

// SeqParallelMode selects how activations are split along the sequence dimension.
type SeqParallelMode string

const (
	// SeqParallelNone replicates activations on every rank.
	SeqParallelNone SeqParallelMode = ""
	// SplitGather shards activations along the sequence dimension and all-gathers
	// them before the column projection.
	SplitGather SeqParallelMode = "split_gather"
)

// ParseSeqParallelMode accepts "", "none" and "split_gather".
func ParseSeqParallelMode(s string) (SeqParallelMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null":
		return SeqParallelNone, nil
	case string(SplitGather):
		return SplitGather, nil
	default:
		return SeqParallelNone, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

func (m SeqParallelMode) String() string {
	if m == SeqParallelNone {
		return "none"
	}
	return string(m)
}

func (m SeqParallelMode) validate() error {
	switch m {
	case SeqParallelNone, SplitGather:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, string(m))
	}
}

// materialize realizes lazily initialized parameters before sharding them.
func materialize(m *nn.Conv1D) {
	for _, p := range m.Parameters() {
		p.Materialize()
	}
}

func checkGroup(g dist.Group) error {
	if g == nil {
		return ErrNoGroup
	}
	return nil
}
