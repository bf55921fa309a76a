package metrics

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainValues(base, lr float64) Values {
	return Values{
		MAE:                base,
		MSE:                base * base,
		AgeCrossEntropy:    base + 1,
		GenderAccuracy:     0.5,
		GenderCrossEntropy: base + 2,
		TotalLoss:          2*base + 3,
		LearningRate:       lr,
	}
}

func TestWindows_Update(t *testing.T) {
	w, err := NewWindows(Train, 2)
	require.NoError(t, err)

	events, err := w.Update(trainValues(1, 0.1))
	require.NoError(t, err)
	require.Len(t, events, len(Train.Metrics()))

	events, err = w.Update(trainValues(3, 0.05))
	require.NoError(t, err)

	byTag := make(map[string]float64)
	for _, e := range events {
		byTag[e.Tag] = e.Value
	}
	assert.InDelta(t, 2.0, byTag["train/mae"], 1e-12)
	assert.InDelta(t, 5.0, byTag["train/mse"], 1e-12)
	assert.InDelta(t, 7.0, byTag["train/total_loss"], 1e-12)
	// The learning rate is reported raw, never averaged.
	assert.InDelta(t, 0.05, byTag["train/lr"], 1e-12)
	assert.Nil(t, w.Window(LearningRate))

	lr, ok := w.Latest(LearningRate)
	require.True(t, ok)
	assert.InDelta(t, 0.05, lr, 1e-12)
}

func TestWindows_EventOrderFollowsTrackedMetrics(t *testing.T) {
	w, err := NewWindows(Test, 3)
	require.NoError(t, err)

	v := trainValues(2, 0)
	delete(v, LearningRate)
	events, err := w.Update(v)
	require.NoError(t, err)

	tags := make([]string, len(events))
	for i, e := range events {
		tags[i] = e.Tag
	}
	assert.Equal(t, []string{
		"test/mae", "test/mse", "test/age_cross_entropy_mean",
		"test/gender_acc", "test/gender_cross_entropy_mean", "test/total_loss",
	}, tags)
}

func TestWindows_MissingMetricLeavesStateUntouched(t *testing.T) {
	w, err := NewWindows(Train, 3)
	require.NoError(t, err)

	v := trainValues(1, 0.1)
	delete(v, TotalLoss)
	_, err = w.Update(v)
	require.Error(t, err)
	assert.Equal(t, 0, w.Window(MAE).Len())
}

func TestNewWindows_Errors(t *testing.T) {
	_, err := NewWindows(Train, 0)
	assert.Error(t, err)

	_, err = NewWindows(Split("dev"), 3)
	assert.Error(t, err)
}

func TestRecorder_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWindows(Train, 3)
	require.NoError(t, err)
	rec := NewRecorder(dir, Train)
	assert.Equal(t, filepath.Join(dir, "train_metrics.json"), rec.Path())

	const calls = 5
	for i := 1; i <= calls; i++ {
		_, err := w.Update(trainValues(float64(i), 0.01))
		require.NoError(t, err)
		require.NoError(t, rec.Record(int64(i*10), []string{"a.jpg", "b.jpg"}, w))

		got, err := ReadSnapshots(rec.Path())
		require.NoError(t, err)
		require.Len(t, got, i)
		for j := 1; j < len(got); j++ {
			assert.Greater(t, got[j].Batch, got[j-1].Batch)
		}
	}

	got, err := ReadSnapshots(rec.Path())
	require.NoError(t, err)
	last := got[calls-1]
	assert.Equal(t, int64(50), last.Batch)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, last.Files)
	assert.Equal(t, []float64{3, 4, 5}, last.Deques[MAE])
	assert.InDelta(t, 4.0, last.Means[MAE], 1e-12)
	require.NotNil(t, last.LR)
	assert.InDelta(t, 0.01, *last.LR, 1e-12)
	assert.Equal(t, calls, rec.Len())
}

func TestRecorder_FileFormat(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWindows(Test, 2)
	require.NoError(t, err)
	v := trainValues(4, 0)
	delete(v, LearningRate)
	_, err = w.Update(v)
	require.NoError(t, err)

	rec := NewRecorder(dir, Test)
	require.NoError(t, rec.Record(7, []string{"x\xffy.jpg"}, w))

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)

	e := entries[0]
	assert.EqualValues(t, 7, e["batch"])
	assert.Equal(t, []any{"x�y.jpg"}, e["files"])
	assert.Equal(t, []any{4.0}, e["mae_deque"])
	assert.EqualValues(t, 4, e["mae"])
	assert.Equal(t, []any{0.5}, e["gender_acc_deque"])
	assert.Equal(t, []any{0.5}, e["accuracy_deque"])
	assert.EqualValues(t, 0.5, e["gender_accuracy"])
	assert.NotContains(t, e, "lr")
	assert.NotContains(t, e, "lr_deque")
}

func TestRecorder_Resume(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWindows(Train, 2)
	require.NoError(t, err)

	rec := NewRecorder(dir, Train)
	for step := int64(1); step <= 6; step++ {
		_, err := w.Update(trainValues(float64(step), 0.1))
		require.NoError(t, err)
		require.NoError(t, rec.Record(step, nil, w))
	}

	resumed := NewRecorder(dir, Train)
	require.NoError(t, resumed.Resume(4))
	assert.Equal(t, 4, resumed.Len())

	_, err = w.Update(trainValues(9, 0.1))
	require.NoError(t, err)
	require.NoError(t, resumed.Record(5, nil, w))

	got, err := ReadSnapshots(resumed.Path())
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(5), got[4].Batch)

	fresh := NewRecorder(t.TempDir(), Test)
	require.NoError(t, fresh.Resume(10))
	assert.Zero(t, fresh.Len())
}

func TestRecorder_WriteFailureDiscardsSnapshot(t *testing.T) {
	w, err := NewWindows(Train, 2)
	require.NoError(t, err)
	_, err = w.Update(trainValues(1, 0.1))
	require.NoError(t, err)

	rec := NewRecorder(filepath.Join(t.TempDir(), "missing", "dir"), Train)
	require.Error(t, rec.Record(1, nil, w))
	assert.Zero(t, rec.Len())
}

func TestRecorder_NonFiniteValues(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWindows(Test, 3)
	require.NoError(t, err)

	v := trainValues(2, 0)
	delete(v, LearningRate)
	_, err = w.Update(v)
	require.NoError(t, err)
	v[MAE] = math.NaN()
	v[TotalLoss] = math.Inf(1)
	v[MSE] = math.Inf(-1)
	_, err = w.Update(v)
	require.NoError(t, err)

	rec := NewRecorder(dir, Test)
	require.NoError(t, rec.Record(1, []string{"a.jpg"}, w))

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mae_deque":[2,"NaN"]`)
	assert.Contains(t, string(data), `"total_loss":"Infinity"`)

	got, err := ReadSnapshots(rec.Path())
	require.NoError(t, err)
	require.Len(t, got, 1)
	s := got[0]
	require.Len(t, s.Deques[MAE], 2)
	assert.InDelta(t, 2.0, s.Deques[MAE][0], 1e-12)
	assert.True(t, math.IsNaN(s.Deques[MAE][1]))
	assert.True(t, math.IsNaN(s.Means[MAE]))
	assert.True(t, math.IsInf(s.Means[TotalLoss], 1))
	assert.True(t, math.IsInf(s.Means[MSE], -1))
	assert.InDelta(t, 0.5, s.Means[GenderAccuracy], 1e-12)

	// A later finite observation keeps recording while the window still
	// holds the non-finite ones.
	v[MAE], v[TotalLoss], v[MSE] = 1, 1, 1
	_, err = w.Update(v)
	require.NoError(t, err)
	require.NoError(t, rec.Record(2, nil, w))
	assert.Equal(t, 2, rec.Len())
}

func TestJSONFloat_AcceptsNull(t *testing.T) {
	var f jsonFloat
	require.NoError(t, json.Unmarshal([]byte("null"), &f))
	assert.True(t, math.IsNaN(float64(f)))
	require.NoError(t, json.Unmarshal([]byte("1.5e-3"), &f))
	assert.InDelta(t, 1.5e-3, float64(f), 1e-15)
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}
