package trainer

import (
	"errors"
	"fmt"
)

// Phase names the part of a run that failed.
type Phase string

// Run phases.
const (
	PhaseSetup          Phase = "setup"
	PhaseRestore        Phase = "restore"
	PhaseTrainStep      Phase = "train-step"
	PhaseValidationStep Phase = "validation-step"
	PhaseMetricsWrite   Phase = "metrics-write"
	PhaseCheckpointSave Phase = "checkpoint-save"
)

// ErrInterrupted is returned, wrapping the context error, when a run stops
// because its context was cancelled.
var ErrInterrupted = errors.New("training interrupted")

// PhaseError is a fatal error tagged with the phase and global step at
// which it happened.
type PhaseError struct {
	Phase Phase
	Step  int64
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed at step %d: %v", e.Phase, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(phase Phase, step int64, err error) error {
	return &PhaseError{Phase: phase, Step: step, Err: err}
}
