package metrics

import "fmt"

// Metric identifies one tracked scalar. The set is closed: every value of
// this type is one of the constants below.
type Metric int

// Tracked metrics, in the order they are logged.
const (
	MAE Metric = iota
	MSE
	AgeCrossEntropy
	GenderAccuracy
	GenderCrossEntropy
	TotalLoss
	LearningRate

	numMetrics
)

var metricNames = [numMetrics]string{
	MAE:                "mae",
	MSE:                "mse",
	AgeCrossEntropy:    "age_cross_entropy_mean",
	GenderAccuracy:     "gender_acc",
	GenderCrossEntropy: "gender_cross_entropy_mean",
	TotalLoss:          "total_loss",
	LearningRate:       "lr",
}

// String returns the metric name used in scalar tags and metrics files.
func (m Metric) String() string {
	if m < 0 || m >= numMetrics {
		return fmt.Sprintf("metric(%d)", int(m))
	}
	return metricNames[m]
}

// Windowed reports whether observations of m are smoothed over a window.
// The learning rate follows its schedule and is reported as-is.
func (m Metric) Windowed() bool {
	return m != LearningRate
}

// ParseMetric returns the metric with the given name.
func ParseMetric(name string) (Metric, error) {
	for m := Metric(0); m < numMetrics; m++ {
		if metricNames[m] == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown metric %q", name)
}

// Split is the data split a metric stream belongs to.
type Split string

// Data splits.
const (
	Train Split = "train"
	Test  Split = "test"
)

// Metrics returns the metrics tracked for the split. Validation has no
// optimizer, so the test split does not track the learning rate.
func (s Split) Metrics() []Metric {
	switch s {
	case Train:
		return []Metric{MAE, MSE, AgeCrossEntropy, GenderAccuracy, GenderCrossEntropy, TotalLoss, LearningRate}
	case Test:
		return []Metric{MAE, MSE, AgeCrossEntropy, GenderAccuracy, GenderCrossEntropy, TotalLoss}
	default:
		return nil
	}
}

// Tag returns the scalar-event tag "{split}/{name}".
func (s Split) Tag(m Metric) string {
	return string(s) + "/" + m.String()
}

// Values holds one raw observation per metric.
type Values map[Metric]float64
