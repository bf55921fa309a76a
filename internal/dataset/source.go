package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/agegender/agetrain/internal/model"
	"github.com/agegender/agetrain/internal/parallel"
)

// ErrExhausted is returned by Next when a non-repeating source has served
// every example since the last Reset.
var ErrExhausted = errors.New("dataset exhausted")

// SourceOptions configures a Source.
type SourceOptions struct {
	BatchSize int

	// Repeat wraps around with a reshuffle instead of returning ErrExhausted.
	Repeat bool

	// ReadImages loads image bytes from the data folder into each batch.
	ReadImages bool

	// Loaders bounds concurrent image reads; the zero value reads
	// sequentially.
	Loaders parallel.Config

	Seed int64
}

// Source serves shuffled mini-batches from a list of examples. The final
// batch of a pass may be smaller than BatchSize.
type Source struct {
	examples []Example
	folder   string
	opts     SourceOptions
	rng      *rand.Rand
	order    []int
	pos      int
}

// NewSource creates a source over examples whose files live under folder.
func NewSource(examples []Example, folder string, opts SourceOptions) (*Source, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: no examples", ErrInvalidManifest)
	}
	s := &Source{
		examples: examples,
		folder:   folder,
		opts:     opts,
		rng:      newRand(opts.Seed),
		order:    make([]int, len(examples)),
	}
	s.Reset()
	return s, nil
}

// OpenOptions configures Open.
type OpenOptions struct {
	SourceOptions

	// Balance, when set, resamples the manifest before batching.
	Balance *BalancerConfig
}

// Open reads the manifest at path, optionally balances it, and returns a
// source whose data folder is the manifest's directory.
func Open(path string, opts OpenOptions) (*Source, error) {
	examples, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if opts.Balance != nil {
		examples = Balance(examples, *opts.Balance)
	}
	return NewSource(examples, filepath.Dir(path), opts.SourceOptions)
}

// Len returns the number of examples in one pass.
func (s *Source) Len() int {
	return len(s.examples)
}

// Reset reshuffles and rewinds to the start of a pass.
func (s *Source) Reset() {
	for i := range s.order {
		s.order[i] = i
	}
	s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	s.pos = 0
}

// Next returns the next batch.
func (s *Source) Next(ctx context.Context) (*model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.order) {
		if !s.opts.Repeat {
			return nil, ErrExhausted
		}
		s.Reset()
	}

	end := min(s.pos+s.opts.BatchSize, len(s.order))
	idx := s.order[s.pos:end]
	s.pos = end

	b := &model.Batch{
		Ages:    make([]int32, len(idx)),
		Genders: make([]int32, len(idx)),
		Files:   make([]string, len(idx)),
	}
	if s.opts.ReadImages {
		b.Images = make([][]byte, len(idx))
	}
	for i, j := range idx {
		e := s.examples[j]
		b.Ages[i] = e.Age
		b.Genders[i] = e.Gender
		b.Files[i] = e.File
	}
	if s.opts.ReadImages {
		err := parallel.For(ctx, len(idx), s.opts.Loaders, func(i int) error {
			//nolint:gosec // G304: image paths come from the dataset manifest
			data, err := os.ReadFile(filepath.Join(s.folder, b.Files[i]))
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			b.Images[i] = data
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
