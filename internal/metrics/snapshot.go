package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Legacy keys written next to the generalized gender accuracy fields so that
// consumers of the older metrics files keep working.
const (
	legacyAccuracyDeque = "accuracy_deque"
	legacyAccuracyMean  = "gender_accuracy"
)

// Snapshot is one recorded observation of a split at a given batch: the
// files that made up the batch, the raw window contents and their means.
type Snapshot struct {
	Batch  int64
	Files  []string
	Deques map[Metric][]float64
	Means  map[Metric]float64
	// LR is the instantaneous learning rate; nil for splits without one.
	LR *float64
}

// NewSnapshot captures the current state of w for batch.
func NewSnapshot(batch int64, files []string, w *Windows) Snapshot {
	s := Snapshot{
		Batch:  batch,
		Files:  decodeFiles(files),
		Deques: make(map[Metric][]float64),
		Means:  make(map[Metric]float64),
	}
	for _, m := range w.tracked {
		if win := w.windows[m]; win != nil {
			s.Deques[m] = win.Values()
			s.Means[m] = win.Mean()
			continue
		}
		if m == LearningRate {
			if v, ok := w.latest[m]; ok {
				lr := v
				s.LR = &lr
			}
		}
	}
	return s
}

func decodeFiles(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = strings.ToValidUTF8(f, "�")
	}
	return out
}

// MarshalJSON writes the snapshot with its keys in a stable order:
// batch, files, then "<metric>_deque" and "<metric>" per windowed metric.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	put := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(raw)
		return nil
	}

	files := s.Files
	if files == nil {
		files = []string{}
	}
	if err := put("batch", s.Batch); err != nil {
		return nil, err
	}
	if err := put("files", files); err != nil {
		return nil, err
	}
	for m := Metric(0); m < numMetrics; m++ {
		deque, ok := s.Deques[m]
		if !ok {
			continue
		}
		if deque == nil {
			deque = []float64{}
		}
		if err := put(m.String()+"_deque", jsonFloats(deque)); err != nil {
			return nil, err
		}
		if err := put(m.String(), jsonFloat(s.Means[m])); err != nil {
			return nil, err
		}
	}
	if deque, ok := s.Deques[GenderAccuracy]; ok {
		if deque == nil {
			deque = []float64{}
		}
		if err := put(legacyAccuracyDeque, jsonFloats(deque)); err != nil {
			return nil, err
		}
		if err := put(legacyAccuracyMean, jsonFloat(s.Means[GenderAccuracy])); err != nil {
			return nil, err
		}
	}
	if s.LR != nil {
		if err := put(LearningRate.String(), jsonFloat(*s.LR)); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a snapshot written by MarshalJSON. Legacy keys are
// accepted when the generalized ones are absent.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	out := Snapshot{
		Deques: make(map[Metric][]float64),
		Means:  make(map[Metric]float64),
	}
	raw, ok := fields["batch"]
	if !ok {
		return fmt.Errorf("snapshot: missing batch")
	}
	if err := json.Unmarshal(raw, &out.Batch); err != nil {
		return fmt.Errorf("snapshot: batch: %w", err)
	}
	if raw, ok := fields["files"]; ok {
		if err := json.Unmarshal(raw, &out.Files); err != nil {
			return fmt.Errorf("snapshot: files: %w", err)
		}
	}

	for m := Metric(0); m < numMetrics; m++ {
		if !m.Windowed() {
			continue
		}
		dequeKey, meanKey := m.String()+"_deque", m.String()
		if m == GenderAccuracy {
			if _, ok := fields[dequeKey]; !ok {
				dequeKey = legacyAccuracyDeque
			}
			if _, ok := fields[meanKey]; !ok {
				meanKey = legacyAccuracyMean
			}
		}
		raw, ok := fields[dequeKey]
		if !ok {
			continue
		}
		var deque []jsonFloat
		if err := json.Unmarshal(raw, &deque); err != nil {
			return fmt.Errorf("snapshot: %s: %w", dequeKey, err)
		}
		values := make([]float64, len(deque))
		for i, v := range deque {
			values[i] = float64(v)
		}
		out.Deques[m] = values
		if raw, ok := fields[meanKey]; ok {
			var mean jsonFloat
			if err := json.Unmarshal(raw, &mean); err != nil {
				return fmt.Errorf("snapshot: %s: %w", meanKey, err)
			}
			out.Means[m] = float64(mean)
		}
	}

	if raw, ok := fields[LearningRate.String()]; ok {
		var lr jsonFloat
		if err := json.Unmarshal(raw, &lr); err != nil {
			return fmt.Errorf("snapshot: lr: %w", err)
		}
		v := float64(lr)
		out.LR = &v
	}

	*s = out
	return nil
}

// jsonFloat writes NaN and the infinities as the strings "NaN", "Infinity"
// and "-Infinity"; encoding/json rejects them as numbers.
type jsonFloat float64

func jsonFloats(values []float64) []jsonFloat {
	out := make([]jsonFloat, len(values))
	for i, v := range values {
		out[i] = jsonFloat(v)
	}
	return out
}

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON also reads null as NaN.
func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null", `"NaN"`:
		*f = jsonFloat(math.NaN())
		return nil
	case `"Infinity"`:
		*f = jsonFloat(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*f = jsonFloat(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*f = jsonFloat(v)
	return nil
}
