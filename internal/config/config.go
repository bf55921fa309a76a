// Package config loads and validates the training run configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agegender/agetrain/internal/schedule"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every configuration error.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultSection is the top-level key used when the file is sectioned.
const DefaultSection = "train"

// Run modes.
const (
	ModeStart    = "start"
	ModeContinue = "continue"
)

// Defaults for optional keys.
const (
	DefaultKeepCheckpoints = 100
	DefaultSeed            = 100
	DefaultAgeBinSize      = 10
)

// RunConfig is the immutable configuration of one training invocation.
type RunConfig struct {
	WorkingDir string     `yaml:"working_dir"`
	Epochs     int        `yaml:"epochs"`
	BatchSize  int        `yaml:"batch_size"`
	Cuda       bool       `yaml:"cuda"`
	Init       InitConfig `yaml:"init"`
}

// InitConfig holds the nested init block.
type InitConfig struct {
	LearningRate      schedule.Config         `yaml:"learning_rate"`
	Model             string                  `yaml:"model"`
	ValFrequency      int                     `yaml:"val_frequency"`
	Mode              string                  `yaml:"mode"`
	Pretrained        string                  `yaml:"pretrained_model_folder_or_file"`
	TrainDatasetPath  string                  `yaml:"train_dataset_path"`
	TestDatasetPath   string                  `yaml:"test_dataset_path"`
	DatasetJSONLoader DatasetJSONLoaderConfig `yaml:"dataset_json_loader"`
	BalanceDataset    bool                    `yaml:"balance_dataset"`

	KeepCheckpoints   int    `yaml:"keep_checkpoints,omitempty"`
	Seed              int64  `yaml:"seed,omitempty"`
	TrainedStepOffset *int64 `yaml:"trained_step_offset,omitempty"`
}

// DatasetJSONLoaderConfig configures manifest balancing.
type DatasetJSONLoaderConfig struct {
	AgeBinSize  int   `yaml:"age_bin_size,omitempty"`
	MaxPerGroup int   `yaml:"max_per_group,omitempty"`
	Seed        int64 `yaml:"seed,omitempty"`
}

// Load reads the YAML file at path. When the document has a top-level key
// equal to section, that subtree is the configuration; otherwise the whole
// document is. An empty section means DefaultSection.
func Load(path, section string) (RunConfig, error) {
	//nolint:gosec // G304: config path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Parse(data, section)
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte, section string) (RunConfig, error) {
	if section == "" {
		section = DefaultSection
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RunConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(doc.Content) == 0 {
		return RunConfig{}, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	root := doc.Content[0]
	if root.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == section {
				root = root.Content[i+1]
				break
			}
		}
	}

	var cfg RunConfig
	if err := root.Decode(&cfg); err != nil {
		return RunConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c RunConfig) withDefaults() RunConfig {
	if c.Init.KeepCheckpoints == 0 {
		c.Init.KeepCheckpoints = DefaultKeepCheckpoints
	}
	if c.Init.Seed == 0 {
		c.Init.Seed = DefaultSeed
	}
	if c.Init.DatasetJSONLoader.AgeBinSize == 0 {
		c.Init.DatasetJSONLoader.AgeBinSize = DefaultAgeBinSize
	}
	if c.Init.DatasetJSONLoader.Seed == 0 {
		c.Init.DatasetJSONLoader.Seed = c.Init.Seed
	}
	return c
}

// Validate checks required keys and value ranges.
func (c RunConfig) Validate() error {
	var problems []string
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.Epochs < 0 {
		problems = append(problems, fmt.Sprintf("epochs must not be negative, got %d", c.Epochs))
	}
	if c.Init.ValFrequency <= 0 {
		problems = append(problems, fmt.Sprintf("init.val_frequency must be positive, got %d", c.Init.ValFrequency))
	}
	if c.Init.Model == "" {
		problems = append(problems, "init.model is required")
	}
	if c.Init.TrainDatasetPath == "" {
		problems = append(problems, "init.train_dataset_path is required")
	}
	if c.Init.TestDatasetPath == "" {
		problems = append(problems, "init.test_dataset_path is required")
	}
	if c.Init.Mode == ModeContinue && c.Init.Pretrained == "" {
		problems = append(problems, "init.pretrained_model_folder_or_file is required in continue mode")
	}
	if c.Init.KeepCheckpoints < 0 {
		problems = append(problems, fmt.Sprintf("init.keep_checkpoints must be positive, got %d", c.Init.KeepCheckpoints))
	}
	if c.Init.DatasetJSONLoader.AgeBinSize < 0 || c.Init.DatasetJSONLoader.MaxPerGroup < 0 {
		problems = append(problems, "init.dataset_json_loader values must not be negative")
	}
	if _, err := c.Init.LearningRate.Build(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

// Error lists every problem found by Validate.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	msg := ErrInvalidConfig.Error()
	for i, p := range e.Problems {
		if i == 0 {
			msg += ": " + p
		} else {
			msg += "; " + p
		}
	}
	return msg
}

// Unwrap returns ErrInvalidConfig.
func (e *Error) Unwrap() error {
	return ErrInvalidConfig
}

// TimestampLayout names new experiment folders and the metadata date field.
const TimestampLayout = "2006_01_02_15_04"

// ExperimentFolder resolves where the run writes its artifacts:
// start mode gets <working_dir>/experiments/<timestamp>, continue mode the
// pretrained directory (or the directory holding the pretrained file), and
// any other mode the literal "experiments".
func ExperimentFolder(c RunConfig, now time.Time) string {
	switch c.Init.Mode {
	case ModeStart:
		return filepath.Join(c.WorkingDir, "experiments", now.Format(TimestampLayout))
	case ModeContinue:
		if info, err := os.Stat(c.Init.Pretrained); err == nil && info.IsDir() {
			return c.Init.Pretrained
		}
		return filepath.Dir(c.Init.Pretrained)
	default:
		return "experiments"
	}
}
