package model

import (
	"fmt"
	"math"

	"github.com/agegender/agetrain/internal/metrics"
)

// Head turns logits and labels into metric values and the gradient of the
// total loss with respect to the logits.
//
// Age is a 101-way classification whose expected value over the softmax is
// the regressed age:
//
//	age     = Σ_i softmax(age_logits)[i] * i
//	mae     = mean |label - age|
//	mse     = mean (label - age)²
//	total   = age_cross_entropy_mean + gender_cross_entropy_mean + regularization
//
// The gradient of each cross-entropy mean is (softmax - one_hot) / batch.
type Head struct{}

// Evaluate computes every metric except the learning rate.
func (Head) Evaluate(logits Logits, ages, genders []int32, regularization float64) (metrics.Values, Logits, error) {
	n := len(ages)
	if n == 0 || len(logits.Age) != n || len(logits.Gender) != n || len(genders) != n {
		return nil, Logits{}, fmt.Errorf("%w: %d age rows, %d gender rows for %d labels",
			ErrInvalidBatch, len(logits.Age), len(logits.Gender), n)
	}

	grad := Logits{Age: make([][]float32, n), Gender: make([][]float32, n)}
	var ageCE, genderCE, absErr, sqErr, correct float64
	inv := 1 / float64(n)

	for i := 0; i < n; i++ {
		row := logits.Age[i]
		if len(row) != AgeClasses {
			return nil, Logits{}, fmt.Errorf("%w: age row has %d classes", ErrInvalidBatch, len(row))
		}
		label := int(ages[i])
		logProbs := logSoftmax(row)
		ageCE -= logProbs[label]

		expected := 0.0
		g := make([]float32, AgeClasses)
		for c, lp := range logProbs {
			p := math.Exp(lp)
			expected += p * float64(c)
			g[c] = float32(p * inv)
		}
		g[label] -= float32(inv)
		grad.Age[i] = g

		diff := float64(label) - expected
		absErr += math.Abs(diff)
		sqErr += diff * diff

		row = logits.Gender[i]
		if len(row) != GenderClasses {
			return nil, Logits{}, fmt.Errorf("%w: gender row has %d classes", ErrInvalidBatch, len(row))
		}
		label = int(genders[i])
		logProbs = logSoftmax(row)
		genderCE -= logProbs[label]
		if inTop1(row, label) {
			correct++
		}
		g = make([]float32, GenderClasses)
		for c, lp := range logProbs {
			g[c] = float32(math.Exp(lp) * inv)
		}
		g[label] -= float32(inv)
		grad.Gender[i] = g
	}

	ageCE *= inv
	genderCE *= inv
	values := metrics.Values{
		metrics.MAE:                absErr * inv,
		metrics.MSE:                sqErr * inv,
		metrics.AgeCrossEntropy:    ageCE,
		metrics.GenderAccuracy:     correct * inv,
		metrics.GenderCrossEntropy: genderCE,
		metrics.TotalLoss:          ageCE + genderCE + regularization,
	}
	return values, grad, nil
}

// logSoftmax computes log(softmax(z)) with the log-sum-exp trick.
func logSoftmax(z []float32) []float64 {
	maxZ := float64(z[0])
	for _, v := range z[1:] {
		if float64(v) > maxZ {
			maxZ = float64(v)
		}
	}
	sumExp := 0.0
	for _, v := range z {
		sumExp += math.Exp(float64(v) - maxZ)
	}
	lse := maxZ + math.Log(sumExp)

	out := make([]float64, len(z))
	for i, v := range z {
		out[i] = float64(v) - lse
	}
	return out
}

// inTop1 reports whether no class scores strictly higher than target.
func inTop1(z []float32, target int) bool {
	for i, v := range z {
		if i != target && v > z[target] {
			return false
		}
	}
	return true
}
