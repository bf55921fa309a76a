package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/agegender/agetrain/internal/serialization"
)

// Parameter names of the linear models.
const (
	paramAgeWeight    = "age.weight"
	paramAgeBias      = "age.bias"
	paramGenderWeight = "gender.weight"
	paramGenderBias   = "gender.bias"
)

// Linear maps a fixed-size feature vector to both heads with one dense layer
// per head. With zero features only the biases remain, which learns the
// label priors of the training set.
//
// Features are a normalized byte histogram of the encoded image, so models
// with features need image bytes in every batch.
type Linear struct {
	name     string
	features int
	weightL2 float64
	step     int64
	params   map[string][]float32
	opt      *Adam

	lastInput [][]float32
}

// NewLinear creates a linear model. Weights are drawn from a seeded normal
// distribution scaled by 1/sqrt(features); biases start at zero.
func NewLinear(name string, features int, weightL2 float64, seed int64) *Linear {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	l := &Linear{
		name:     name,
		features: features,
		weightL2: weightL2,
		params: map[string][]float32{
			paramAgeBias:    make([]float32, AgeClasses),
			paramGenderBias: make([]float32, GenderClasses),
		},
		opt: NewAdam(AdamConfig{}),
	}
	if features > 0 {
		scale := 1 / math.Sqrt(float64(features))
		l.params[paramAgeWeight] = randomNormal(rng, AgeClasses*features, scale)
		l.params[paramGenderWeight] = randomNormal(rng, GenderClasses*features, scale)
	}
	return l
}

func randomNormal(rng *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * scale)
	}
	return out
}

// Name implements Model.
func (l *Linear) Name() string { return l.name }

// Step implements Model.
func (l *Linear) Step() int64 { return l.step }

// SetStep implements Model.
func (l *Linear) SetStep(step int64) { l.step = step }

// TrainedStepOffset implements Model. Linear models start from scratch.
func (l *Linear) TrainedStepOffset() int64 { return 0 }

// Forward implements Model.
func (l *Linear) Forward(b *Batch, train bool) (Logits, error) {
	if err := b.Validate(); err != nil {
		return Logits{}, err
	}
	n := b.Len()
	if l.features > 0 && len(b.Images) != n {
		return Logits{}, fmt.Errorf("%w: model %s needs image bytes", ErrInvalidBatch, l.name)
	}

	inputs := make([][]float32, n)
	out := Logits{Age: make([][]float32, n), Gender: make([][]float32, n)}
	for i := 0; i < n; i++ {
		if l.features > 0 {
			inputs[i] = histogram(b.Images[i], l.features)
		}
		out.Age[i] = l.dense(inputs[i], paramAgeWeight, paramAgeBias, AgeClasses)
		out.Gender[i] = l.dense(inputs[i], paramGenderWeight, paramGenderBias, GenderClasses)
	}
	if train {
		l.lastInput = inputs
	}
	return out, nil
}

func (l *Linear) dense(x []float32, weight, bias string, classes int) []float32 {
	out := append([]float32(nil), l.params[bias]...)
	if l.features == 0 {
		return out
	}
	w := l.params[weight]
	for c := 0; c < classes; c++ {
		row := w[c*l.features : (c+1)*l.features]
		var s float32
		for j, v := range x {
			s += row[j] * v
		}
		out[c] += s
	}
	return out
}

// Backward implements Model.
func (l *Linear) Backward(grad Logits, lr float64) error {
	n := len(l.lastInput)
	if n == 0 {
		return fmt.Errorf("backward called before forward")
	}
	if len(grad.Age) != n || len(grad.Gender) != n {
		return fmt.Errorf("%w: gradient has %d rows, last forward had %d", ErrInvalidBatch, len(grad.Age), n)
	}

	grads := map[string][]float32{
		paramAgeBias:    make([]float32, AgeClasses),
		paramGenderBias: make([]float32, GenderClasses),
	}
	if l.features > 0 {
		grads[paramAgeWeight] = l.weightDecayGrad(paramAgeWeight)
		grads[paramGenderWeight] = l.weightDecayGrad(paramGenderWeight)
	}
	for i := 0; i < n; i++ {
		l.accumulate(grads, l.lastInput[i], grad.Age[i], paramAgeWeight, paramAgeBias)
		l.accumulate(grads, l.lastInput[i], grad.Gender[i], paramGenderWeight, paramGenderBias)
	}
	l.lastInput = nil
	return l.opt.Step(l.params, grads, lr)
}

func (l *Linear) weightDecayGrad(name string) []float32 {
	w := l.params[name]
	g := make([]float32, len(w))
	for i, v := range w {
		g[i] = float32(2 * l.weightL2 * float64(v))
	}
	return g
}

func (l *Linear) accumulate(grads map[string][]float32, x, g []float32, weight, bias string) {
	gb := grads[bias]
	for c, v := range g {
		gb[c] += v
	}
	if l.features == 0 {
		return
	}
	gw := grads[weight]
	for c, v := range g {
		row := gw[c*l.features : (c+1)*l.features]
		for j, xj := range x {
			row[j] += v * xj
		}
	}
}

// RegularizationLoss implements Model as the L2 penalty on the weights.
func (l *Linear) RegularizationLoss() float64 {
	if l.weightL2 == 0 {
		return 0
	}
	var s float64
	for _, name := range []string{paramAgeWeight, paramGenderWeight} {
		for _, v := range l.params[name] {
			s += float64(v) * float64(v)
		}
	}
	return l.weightL2 * s
}

func (l *Linear) shapes() map[string][]int {
	shapes := map[string][]int{
		paramAgeBias:    {AgeClasses},
		paramGenderBias: {GenderClasses},
	}
	if l.features > 0 {
		shapes[paramAgeWeight] = []int{AgeClasses, l.features}
		shapes[paramGenderWeight] = []int{GenderClasses, l.features}
	}
	return shapes
}

// StateDict implements Model.
func (l *Linear) StateDict() []serialization.Tensor {
	shapes := l.shapes()
	var out []serialization.Tensor
	for _, name := range sortedKeys(l.params) {
		out = append(out, serialization.Tensor{
			Name:  name,
			Shape: append([]int(nil), shapes[name]...),
			Data:  append([]float32(nil), l.params[name]...),
		})
	}
	return append(out, l.opt.StateDict()...)
}

// LoadStateDict implements Model. Every parameter must be present with the
// expected shape.
func (l *Linear) LoadStateDict(tensors []serialization.Tensor) error {
	byName := make(map[string]serialization.Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	loaded := make(map[string][]float32, len(l.params))
	for name, shape := range l.shapes() {
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("missing parameter %s", name)
		}
		if !slices.Equal(t.Shape, shape) {
			return fmt.Errorf("parameter %s has shape %v, want %v", name, t.Shape, shape)
		}
		loaded[name] = append([]float32(nil), t.Data...)
	}
	if err := l.opt.LoadStateDict(tensors); err != nil {
		return err
	}
	l.params = loaded
	return nil
}

// Bottleneck implements Model with the age head, the layer feeding the
// regressed age.
func (l *Linear) Bottleneck() []serialization.Tensor {
	shapes := l.shapes()
	var out []serialization.Tensor
	for _, name := range []string{paramAgeWeight, paramAgeBias} {
		if p, ok := l.params[name]; ok {
			out = append(out, serialization.Tensor{Name: name, Shape: shapes[name], Data: append([]float32(nil), p...)})
		}
	}
	return out
}

// histogram returns the byte-value histogram of data folded into bins,
// normalized to sum to one.
func histogram(data []byte, bins int) []float32 {
	out := make([]float32, bins)
	if len(data) == 0 {
		return out
	}
	for _, b := range data {
		out[int(b)*bins/256]++
	}
	inv := 1 / float32(len(data))
	for i := range out {
		out[i] *= inv
	}
	return out
}
