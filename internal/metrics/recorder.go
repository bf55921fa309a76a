package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agegender/agetrain/internal/serialization"
)

// Recorder keeps the ordered history of snapshots of one split and mirrors
// it to <folder>/<split>_metrics.json after every Record. The file is always
// replaced atomically, so readers see a complete list at any time.
type Recorder struct {
	path      string
	snapshots []Snapshot
}

// NewRecorder creates an empty recorder for split inside folder.
func NewRecorder(folder string, split Split) *Recorder {
	return &Recorder{
		path: filepath.Join(folder, string(split)+"_metrics.json"),
	}
}

// Path returns the metrics file location.
func (r *Recorder) Path() string {
	return r.path
}

// Len returns the number of recorded snapshots.
func (r *Recorder) Len() int {
	return len(r.snapshots)
}

// Snapshots returns a copy of the recorded history.
func (r *Recorder) Snapshots() []Snapshot {
	out := make([]Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// Record appends a snapshot of w taken at step and rewrites the metrics file.
// If the write fails the snapshot is discarded and the error returned.
func (r *Recorder) Record(step int64, files []string, w *Windows) error {
	next := append(r.snapshots[:len(r.snapshots):len(r.snapshots)], NewSnapshot(step, files, w))
	if err := r.flush(next); err != nil {
		return err
	}
	r.snapshots = next
	return nil
}

// Resume loads an existing metrics file, keeping only snapshots taken at or
// before step, so that a continued run extends the history of the run it
// resumes instead of replacing it. A missing file is not an error.
func (r *Recorder) Resume(step int64) error {
	existing, err := ReadSnapshots(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := existing[:0]
	for _, s := range existing {
		if s.Batch <= step {
			kept = append(kept, s)
		}
	}
	r.snapshots = kept
	return r.flush(kept)
}

func (r *Recorder) flush(snapshots []Snapshot) error {
	if snapshots == nil {
		snapshots = []Snapshot{}
	}
	data, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.path, err)
	}
	if err := serialization.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	return nil
}

// ReadSnapshots decodes a metrics file written by a Recorder.
func ReadSnapshots(path string) ([]Snapshot, error) {
	//nolint:gosec // G304: metrics files live in the experiment folder chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snapshots []Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return snapshots, nil
}
