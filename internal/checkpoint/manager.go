// Package checkpoint saves and restores model state inside an experiment
// folder and keeps a bounded number of checkpoint files.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agegender/agetrain/internal/serialization"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Errors returned by Restore.
var (
	// ErrNotFound means an explicitly requested checkpoint path does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrNoCheckpoint means a directory was given that holds no checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint in directory")
)

// File names inside an experiment folder.
const (
	FilePrefix          = "model.ckpt"
	StateFile           = "checkpoint"
	HyperparametersFile = "hyperparams.yaml"
)

// DefaultKeep is the retention limit when none is configured.
const DefaultKeep = 100

// Stateful is the model state a checkpoint carries.
type Stateful interface {
	Name() string
	Step() int64
	SetStep(step int64)
	StateDict() []serialization.Tensor
	LoadStateDict(tensors []serialization.Tensor) error
}

// Options configures a Manager.
type Options struct {
	// Keep is the maximum number of checkpoint files; the oldest are deleted.
	Keep int

	// Metadata is stored in every checkpoint header.
	Metadata map[string]string

	Logger *log.Entry
	Now    func() time.Time
}

// Manager writes checkpoints of one model into one folder.
type Manager struct {
	folder   string
	model    Stateful
	keep     int
	metadata map[string]string
	kept     []string
	log      *log.Entry
	now      func() time.Time
}

// NewManager creates a manager for folder. Checkpoints listed in an existing
// state file count towards the retention limit.
func NewManager(folder string, model Stateful, opts Options) (*Manager, error) {
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		folder:   folder,
		model:    model,
		keep:     opts.Keep,
		metadata: opts.Metadata,
		log:      opts.Logger,
		now:      opts.Now,
	}
	st, err := readState(folder)
	switch {
	case err == nil:
		for _, name := range st.All {
			if _, statErr := os.Stat(filepath.Join(folder, name)); statErr == nil {
				m.kept = append(m.kept, name)
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	return m, nil
}

// Folder returns the experiment folder.
func (m *Manager) Folder() string {
	return m.folder
}

// Checkpoints returns the retained checkpoint file names, oldest first.
func (m *Manager) Checkpoints() []string {
	return append([]string(nil), m.kept...)
}

// Restore loads the checkpoint at path into the model and returns its step.
// An empty path leaves the model untouched and returns 0. A directory
// resolves to its latest checkpoint.
func (m *Manager) Restore(path string) (int64, error) {
	if path == "" {
		m.log.Info("no pretrained checkpoint configured, starting from fresh parameters")
		return 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, err
	}
	file := path
	if info.IsDir() {
		if file, err = Latest(path); err != nil {
			return 0, err
		}
	}

	ckpt, err := serialization.ReadFile(file)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", file, err)
	}
	if ckpt.Model != m.model.Name() {
		m.log.WithFields(log.Fields{"path": file, "saved_model": ckpt.Model}).
			Warn("checkpoint was written by a different model")
	}
	if err := m.model.LoadStateDict(ckpt.Tensors); err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", file, err)
	}
	m.model.SetStep(ckpt.Step)
	m.log.WithFields(log.Fields{"path": file, "step": ckpt.Step}).Info("model restored")
	return ckpt.Step, nil
}

// Save writes model.ckpt-<tag> with the current parameters and step, updates
// the state file and deletes checkpoints beyond the retention limit.
func (m *Manager) Save(tag int64) (string, error) {
	return m.save(tag, "model saved")
}

// SaveFinal is Save for the end of a run.
func (m *Manager) SaveFinal(tag int64) (string, error) {
	return m.save(tag, "final model saved")
}

func (m *Manager) save(tag int64, msg string) (string, error) {
	name := fmt.Sprintf("%s-%d", FilePrefix, tag)
	path := filepath.Join(m.folder, name)
	ckpt := &serialization.Checkpoint{
		Model:     m.model.Name(),
		Step:      m.model.Step(),
		Tag:       tag,
		CreatedAt: m.now(),
		Tensors:   m.model.StateDict(),
		Metadata:  m.metadata,
	}
	if err := serialization.WriteFile(path, ckpt); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}

	kept := make([]string, 0, len(m.kept)+1)
	for _, k := range m.kept {
		if k != name {
			kept = append(kept, k)
		}
	}
	kept = append(kept, name)
	for len(kept) > m.keep {
		oldest := kept[0]
		kept = kept[1:]
		if err := os.Remove(filepath.Join(m.folder, oldest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("remove old checkpoint: %w", err)
		}
		m.log.WithField("path", oldest).Debug("old checkpoint removed")
	}
	if err := writeState(m.folder, state{Latest: name, All: kept}); err != nil {
		return "", err
	}
	m.kept = kept

	fields := log.Fields{"path": path, "step": ckpt.Step}
	if info, err := os.Stat(path); err == nil {
		fields["size"] = humanize.Bytes(uint64(info.Size()))
	}
	m.log.WithFields(fields).Info(msg)
	return path, nil
}

// SaveHyperparameters writes meta as YAML to hyperparams.yaml, replacing any
// previous snapshot.
func (m *Manager) SaveHyperparameters(meta any) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode hyperparameters: %w", err)
	}
	path := filepath.Join(m.folder, HyperparametersFile)
	if err := serialization.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("save hyperparameters: %w", err)
	}
	return nil
}
