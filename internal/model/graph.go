package model

import (
	"fmt"

	"github.com/agegender/agetrain/internal/metrics"
	"github.com/agegender/agetrain/internal/schedule"
	"github.com/agegender/agetrain/internal/serialization"
)

// StepResult is the outcome of one optimization step.
type StepResult struct {
	// Step is the global step after the update.
	Step int64

	// Values holds every train metric, including the learning rate used.
	Values metrics.Values

	Bottleneck []serialization.Tensor
}

// Graph binds a model to the loss head and the learning-rate schedule.
type Graph struct {
	model    Model
	head     Head
	schedule schedule.Schedule
	offset   int64
}

// NewGraph creates a graph. The trained-step offset is taken from the model.
func NewGraph(m Model, s schedule.Schedule) *Graph {
	return &Graph{model: m, schedule: s, offset: m.TrainedStepOffset()}
}

// WithStepOffset overrides the model's trained-step offset.
func (g *Graph) WithStepOffset(offset int64) *Graph {
	g.offset = offset
	return g
}

// Model returns the bound model.
func (g *Graph) Model() Model {
	return g.model
}

// Step returns the global step.
func (g *Graph) Step() int64 {
	return g.model.Step()
}

// ResetStep sets the global step to zero.
func (g *Graph) ResetStep() {
	g.model.SetStep(0)
}

// StepOffset returns the trained-step offset.
func (g *Graph) StepOffset() int64 {
	return g.offset
}

// TrainStep runs forward, loss and update on one batch and increments the
// global step. The learning rate is the schedule at the step before the
// update.
func (g *Graph) TrainStep(b *Batch) (StepResult, error) {
	step := g.model.Step()
	lr := g.schedule.Rate(step)

	logits, err := g.model.Forward(b, true)
	if err != nil {
		return StepResult{}, fmt.Errorf("forward: %w", err)
	}
	values, grad, err := g.head.Evaluate(logits, b.Ages, b.Genders, g.model.RegularizationLoss())
	if err != nil {
		return StepResult{}, err
	}
	if err := g.model.Backward(grad, lr); err != nil {
		return StepResult{}, fmt.Errorf("backward: %w", err)
	}
	g.model.SetStep(step + 1)

	values[metrics.LearningRate] = lr
	return StepResult{Step: step + 1, Values: values, Bottleneck: g.model.Bottleneck()}, nil
}

// EvalStep computes test metrics on one batch without updating anything.
func (g *Graph) EvalStep(b *Batch) (metrics.Values, error) {
	logits, err := g.model.Forward(b, false)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	values, _, err := g.head.Evaluate(logits, b.Ages, b.Genders, g.model.RegularizationLoss())
	return values, err
}
