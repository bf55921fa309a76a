// Package metrics aggregates per-step training and validation metrics.
//
// Each split (train, test) owns a set of fixed-capacity windows, one per
// tracked metric. Raw observations are appended to their window and the
// window mean is what gets reported, which smooths the per-batch noise:
//
//	windows, _ := metrics.NewWindows(metrics.Train, valFrequency)
//	events, err := windows.Update(values)    // "train/mae" -> mean over window
//	err = recorder.Record(step, files, windows)
//
// The learning rate is never windowed; its events carry the raw value.
//
// A Recorder keeps the full ordered history of snapshots and rewrites the
// <split>_metrics.json file atomically after every Record.
package metrics
