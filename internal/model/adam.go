package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agegender/agetrain/internal/serialization"
)

// Optimizer state tensor names. Moments are stored per parameter under
// optimizer.m.<param> and optimizer.v.<param>.
const (
	optimizerPrefix = "optimizer."
	beta1PowerName  = optimizerPrefix + "beta1_power"
	beta2PowerName  = optimizerPrefix + "beta2_power"
)

// Adam implements the Adam optimizer over named flat float32 parameters.
//
// Update rule:
//
//	m_t   = beta1 * m_{t-1} + (1-beta1) * g
//	v_t   = beta2 * v_{t-1} + (1-beta2) * g²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	p     = p - lr * m_hat / (sqrt(v_hat) + eps)
//
// The running powers beta1^t and beta2^t are kept instead of t so that the
// state round-trips through a checkpoint as tensors.
type Adam struct {
	beta1      float64
	beta2      float64
	eps        float64
	beta1Power float64
	beta2Power float64
	m          map[string][]float32
	v          map[string][]float32
}

// AdamConfig holds configuration for Adam. The learning rate is supplied per
// step by the schedule.
type AdamConfig struct {
	Betas [2]float64 // default [0.9, 0.999]
	Eps   float64    // default 1e-8
}

// NewAdam creates an Adam optimizer with defaults for zero fields.
func NewAdam(config AdamConfig) *Adam {
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		beta1:      config.Betas[0],
		beta2:      config.Betas[1],
		eps:        config.Eps,
		beta1Power: 1,
		beta2Power: 1,
		m:          make(map[string][]float32),
		v:          make(map[string][]float32),
	}
}

// Step updates params in place from grads. Parameters without a gradient
// are skipped.
func (a *Adam) Step(params, grads map[string][]float32, lr float64) error {
	a.beta1Power *= a.beta1
	a.beta2Power *= a.beta2
	bc1 := 1 - a.beta1Power
	bc2 := 1 - a.beta2Power

	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			continue
		}
		if len(g) != len(p) {
			return fmt.Errorf("gradient for %s has %d values, parameter has %d", name, len(g), len(p))
		}
		m, ok := a.m[name]
		if !ok {
			m = make([]float32, len(p))
			a.m[name] = m
		}
		v, ok := a.v[name]
		if !ok {
			v = make([]float32, len(p))
			a.v[name] = v
		}
		for i := range p {
			gi := float64(g[i])
			mi := a.beta1*float64(m[i]) + (1-a.beta1)*gi
			vi := a.beta2*float64(v[i]) + (1-a.beta2)*gi*gi
			m[i] = float32(mi)
			v[i] = float32(vi)
			p[i] -= float32(lr * (mi / bc1) / (math.Sqrt(vi/bc2) + a.eps))
		}
	}
	return nil
}

// StateDict returns the moments and running powers.
func (a *Adam) StateDict() []serialization.Tensor {
	out := []serialization.Tensor{
		{Name: beta1PowerName, Shape: []int{1}, Data: []float32{float32(a.beta1Power)}},
		{Name: beta2PowerName, Shape: []int{1}, Data: []float32{float32(a.beta2Power)}},
	}
	for _, name := range sortedKeys(a.m) {
		out = append(out, serialization.Tensor{
			Name:  optimizerPrefix + "m." + name,
			Shape: []int{len(a.m[name])},
			Data:  append([]float32(nil), a.m[name]...),
		})
	}
	for _, name := range sortedKeys(a.v) {
		out = append(out, serialization.Tensor{
			Name:  optimizerPrefix + "v." + name,
			Shape: []int{len(a.v[name])},
			Data:  append([]float32(nil), a.v[name]...),
		})
	}
	return out
}

// LoadStateDict restores state written by StateDict. Tensors without the
// optimizer prefix are ignored.
func (a *Adam) LoadStateDict(tensors []serialization.Tensor) error {
	m := make(map[string][]float32)
	v := make(map[string][]float32)
	b1, b2 := 1.0, 1.0
	for _, t := range tensors {
		if t.Name == beta1PowerName || t.Name == beta2PowerName {
			if len(t.Data) != 1 {
				return fmt.Errorf("%s: expected 1 value, got %d", t.Name, len(t.Data))
			}
			if t.Name == beta1PowerName {
				b1 = float64(t.Data[0])
			} else {
				b2 = float64(t.Data[0])
			}
			continue
		}
		if name, ok := strings.CutPrefix(t.Name, optimizerPrefix+"m."); ok {
			m[name] = append([]float32(nil), t.Data...)
		} else if name, ok := strings.CutPrefix(t.Name, optimizerPrefix+"v."); ok {
			v[name] = append([]float32(nil), t.Data...)
		}
	}
	a.m, a.v = m, v
	a.beta1Power, a.beta2Power = b1, b2
	return nil
}

func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
