// Package schedule provides learning-rate schedules indexed by global step.
//
// Every schedule is a pure function of the step: the same step always yields
// the same rate, and negative steps are treated as step 0.
package schedule

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSchedule is returned when a schedule is misconfigured.
var ErrInvalidSchedule = errors.New("invalid learning rate schedule")

// Schedule maps a global step to a learning rate.
type Schedule interface {
	// Rate returns the learning rate at step.
	Rate(step int64) float64

	// Name returns the schedule name for logging.
	Name() string
}

func clamp(step int64) int64 {
	if step < 0 {
		return 0
	}
	return step
}

// Constant keeps the learning rate fixed.
type Constant struct {
	Value float64
}

// Rate implements Schedule.
func (c Constant) Rate(int64) float64 {
	return c.Value
}

// Name implements Schedule.
func (c Constant) Name() string {
	return "constant"
}

// Piecewise is a step function: Values[i] applies while step <= Boundaries[i],
// and the last value applies after the last boundary.
type Piecewise struct {
	Boundaries []int64
	Values     []float64
}

// NewPiecewise validates boundaries and values.
// len(values) must be len(boundaries)+1 and boundaries strictly increasing.
func NewPiecewise(boundaries []int64, values []float64) (*Piecewise, error) {
	if len(values) != len(boundaries)+1 {
		return nil, fmt.Errorf("%w: piecewise needs %d values for %d boundaries, got %d",
			ErrInvalidSchedule, len(boundaries)+1, len(boundaries), len(values))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, fmt.Errorf("%w: piecewise boundaries must be strictly increasing", ErrInvalidSchedule)
		}
	}
	return &Piecewise{
		Boundaries: append([]int64(nil), boundaries...),
		Values:     append([]float64(nil), values...),
	}, nil
}

// Rate implements Schedule.
func (p *Piecewise) Rate(step int64) float64 {
	step = clamp(step)
	for i, b := range p.Boundaries {
		if step <= b {
			return p.Values[i]
		}
	}
	return p.Values[len(p.Values)-1]
}

// Name implements Schedule.
func (p *Piecewise) Name() string {
	return "piecewise"
}

// Exponential decays the rate by DecayRate every DecaySteps steps.
// With Staircase the exponent is floored, giving discrete drops.
type Exponential struct {
	Initial    float64
	DecayRate  float64
	DecaySteps int64
	Staircase  bool
}

// Rate implements Schedule.
func (e Exponential) Rate(step int64) float64 {
	p := float64(clamp(step)) / float64(e.DecaySteps)
	if e.Staircase {
		p = math.Floor(p)
	}
	return e.Initial * math.Pow(e.DecayRate, p)
}

// Name implements Schedule.
func (e Exponential) Name() string {
	return "exponential"
}

// Cosine anneals from Initial to Minimum over DecaySteps steps and stays at
// Minimum afterwards.
type Cosine struct {
	Initial    float64
	Minimum    float64
	DecaySteps int64
}

// Rate implements Schedule.
func (c Cosine) Rate(step int64) float64 {
	step = clamp(step)
	if step >= c.DecaySteps {
		return c.Minimum
	}
	return c.Minimum + (c.Initial-c.Minimum)*(1+math.Cos(math.Pi*float64(step)/float64(c.DecaySteps)))/2
}

// Name implements Schedule.
func (c Cosine) Name() string {
	return "cosine"
}
