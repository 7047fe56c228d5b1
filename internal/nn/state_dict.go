package nn

import (
	"errors"
	"fmt"
	"slices"

	"github.com/23skdu/longbow-shard/internal/tensor"
	"github.com/23skdu/longbow-shard/internal/tensorio"
)

var (
	// ErrNoForward is returned by Backward when no input has been cached.
	ErrNoForward = errors.New("backward called before forward")
	// ErrMissingKey is returned when a state dict lacks a required entry.
	ErrMissingKey = errors.New("missing state dict key")
)

// StateDict maps parameter names to full (unsharded) tensors.
type StateDict map[string]*tensor.Tensor

// Lookup returns the named tensor after checking its shape.
func (sd StateDict) Lookup(name string, shape ...int) (*tensor.Tensor, error) {
	t, ok := sd[name]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	if !t.ShapeEqual(shape...) {
		return nil, fmt.Errorf("%w: %s is %v, want %v", tensor.ErrShape, name, t.Shape(), shape)
	}
	return t, nil
}

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SaveStateDict writes sd as an Arrow IPC file.
func SaveStateDict(path string, sd StateDict) error {
	entries := make([]tensorio.Entry, 0, len(sd))
	for _, k := range sd.Keys() {
		entries = append(entries, tensorio.Entry{Name: k, Tensor: sd[k]})
	}
	return tensorio.WriteFile(path, entries)
}

// LoadStateDictFile reads a file written by SaveStateDict.
func LoadStateDictFile(path string) (StateDict, error) {
	entries, err := tensorio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sd := make(StateDict, len(entries))
	for _, e := range entries {
		if _, dup := sd[e.Name]; dup {
			return nil, fmt.Errorf("duplicate state dict key %q in %s", e.Name, path)
		}
		sd[e.Name] = e.Tensor
	}
	return sd, nil
}
