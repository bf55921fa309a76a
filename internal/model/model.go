package model

import (
	"errors"
	"fmt"

	"github.com/agegender/agetrain/internal/serialization"
)

// Output sizes of the two heads.
const (
	AgeClasses    = 101
	GenderClasses = 2
)

// ErrInvalidBatch is returned for batches with inconsistent lengths or
// labels outside the head ranges.
var ErrInvalidBatch = errors.New("invalid batch")

// Batch is one mini-batch drawn from a dataset source.
// Images may be nil when the model does not read pixels.
type Batch struct {
	Images  [][]byte
	Ages    []int32
	Genders []int32
	Files   []string
}

// Len returns the number of examples.
func (b *Batch) Len() int {
	return len(b.Ages)
}

// Validate checks that every column has one entry per example and that
// labels fit the heads.
func (b *Batch) Validate() error {
	n := len(b.Ages)
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(b.Genders) != n || len(b.Files) != n {
		return fmt.Errorf("%w: %d ages, %d genders, %d files", ErrInvalidBatch, n, len(b.Genders), len(b.Files))
	}
	if b.Images != nil && len(b.Images) != n {
		return fmt.Errorf("%w: %d images for %d labels", ErrInvalidBatch, len(b.Images), n)
	}
	for i := 0; i < n; i++ {
		if b.Ages[i] < 0 || b.Ages[i] >= AgeClasses {
			return fmt.Errorf("%w: age %d out of range", ErrInvalidBatch, b.Ages[i])
		}
		if b.Genders[i] < 0 || b.Genders[i] >= GenderClasses {
			return fmt.Errorf("%w: gender %d out of range", ErrInvalidBatch, b.Genders[i])
		}
	}
	return nil
}

// Logits holds the raw scores of both heads, one row per example.
type Logits struct {
	Age    [][]float32
	Gender [][]float32
}

// Model is the trainable network. Implementations own their parameters,
// optimizer state and the global step counter.
type Model interface {
	// Name returns the registry name of the architecture.
	Name() string

	// Forward computes logits for a batch. train selects training behaviour
	// for layers that have one.
	Forward(b *Batch, train bool) (Logits, error)

	// Backward applies one optimizer update from the gradient of the loss
	// with respect to the logits of the last Forward call.
	Backward(grad Logits, lr float64) error

	// RegularizationLoss is added to the total loss.
	RegularizationLoss() float64

	// Step returns the global step.
	Step() int64

	// SetStep overwrites the global step.
	SetStep(step int64)

	// TrainedStepOffset is the number of steps the architecture counts
	// before any training of this run's kind, subtracted when deriving
	// trained epochs from a restored step.
	TrainedStepOffset() int64

	// StateDict returns copies of all parameters and optimizer state.
	StateDict() []serialization.Tensor

	// LoadStateDict replaces parameters and optimizer state.
	LoadStateDict(tensors []serialization.Tensor) error

	// Bottleneck returns copies of the feature-layer weights.
	Bottleneck() []serialization.Tensor
}
