package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel is returned for names nobody registered.
var ErrUnknownModel = errors.New("unknown model")

// Built-in model names.
const (
	Baseline        = "baseline"
	LinearHistogram = "linear_histogram"
)

// Spec describes a registered architecture.
type Spec struct {
	// New builds a freshly initialized model.
	New func(seed int64) (Model, error)

	// NeedsImages reports whether batches must carry image bytes.
	NeedsImages bool

	Description string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Spec{}
)

func init() {
	Register(Baseline, Spec{
		New: func(seed int64) (Model, error) {
			return NewLinear(Baseline, 0, 0, seed), nil
		},
		Description: "age and gender label priors, ignores pixels",
	})
	Register(LinearHistogram, Spec{
		New: func(seed int64) (Model, error) {
			return NewLinear(LinearHistogram, 32, 1e-4, seed), nil
		},
		NeedsImages: true,
		Description: "linear heads over a 32-bin byte histogram of the image file",
	})
}

// Register makes an architecture available by name. It panics on a
// duplicate name or a nil constructor.
func Register(name string, spec Spec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if spec.New == nil {
		panic("model: Register with nil constructor for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("model: Register called twice for " + name)
	}
	registry[name] = spec
}

// Lookup returns the spec registered under name.
func Lookup(name string) (Spec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	spec, ok := registry[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModel, name, namesLocked())
	}
	return spec, nil
}

// New builds the named model.
func New(name string, seed int64) (Model, Spec, error) {
	spec, err := Lookup(name)
	if err != nil {
		return nil, Spec{}, err
	}
	m, err := spec.New(seed)
	if err != nil {
		return nil, Spec{}, fmt.Errorf("build model %s: %w", name, err)
	}
	return m, spec, nil
}

// Names lists registered architectures in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
