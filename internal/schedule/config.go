package schedule

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Schedule types accepted in configuration.
const (
	TypeConstant    = "constant"
	TypePiecewise   = "piecewise"
	TypeExponential = "exponential"
	TypeCosine      = "cosine"
)

// Config is the learning_rate configuration value. In YAML it is either a
// plain number (a constant rate) or a mapping:
//
//	learning_rate:
//	  type: piecewise
//	  boundaries: [10000, 20000]
//	  values: [0.001, 0.0005, 0.0001]
type Config struct {
	Type       string    `yaml:"type"`
	Value      float64   `yaml:"value,omitempty"`
	Boundaries []int64   `yaml:"boundaries,omitempty"`
	Values     []float64 `yaml:"values,omitempty"`
	Initial    float64   `yaml:"initial,omitempty"`
	Minimum    float64   `yaml:"minimum,omitempty"`
	DecayRate  float64   `yaml:"decay_rate,omitempty"`
	DecaySteps int64     `yaml:"decay_steps,omitempty"`
	Staircase  bool      `yaml:"staircase,omitempty"`
}

// UnmarshalYAML accepts a scalar or a mapping.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v float64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("%w: learning_rate: %v", ErrInvalidSchedule, err)
		}
		*c = Config{Type: TypeConstant, Value: v}
		return nil
	}

	type plain Config
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("%w: learning_rate: %v", ErrInvalidSchedule, err)
	}
	*c = Config(p)
	if c.Type == "" {
		c.Type = TypeConstant
	}
	return nil
}

// MarshalYAML writes constant schedules back as a plain number.
func (c Config) MarshalYAML() (interface{}, error) {
	if c.Type == TypeConstant || c.Type == "" {
		return c.Value, nil
	}
	type plain Config
	return plain(c), nil
}

// Build validates the configuration and returns the schedule.
func (c Config) Build() (Schedule, error) {
	switch c.Type {
	case TypeConstant, "":
		if c.Value <= 0 {
			return nil, fmt.Errorf("%w: constant rate must be positive, got %g", ErrInvalidSchedule, c.Value)
		}
		return Constant{Value: c.Value}, nil
	case TypePiecewise:
		return NewPiecewise(c.Boundaries, c.Values)
	case TypeExponential:
		if c.Initial <= 0 || c.DecayRate <= 0 || c.DecaySteps <= 0 {
			return nil, fmt.Errorf("%w: exponential needs positive initial, decay_rate and decay_steps", ErrInvalidSchedule)
		}
		return Exponential{Initial: c.Initial, DecayRate: c.DecayRate, DecaySteps: c.DecaySteps, Staircase: c.Staircase}, nil
	case TypeCosine:
		if c.Initial <= 0 || c.DecaySteps <= 0 || c.Minimum < 0 || c.Minimum > c.Initial {
			return nil, fmt.Errorf("%w: cosine needs 0 <= minimum <= initial and positive decay_steps", ErrInvalidSchedule)
		}
		return Cosine{Initial: c.Initial, Minimum: c.Minimum, DecaySteps: c.DecaySteps}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, c.Type)
	}
}
