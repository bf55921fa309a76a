// Package dataset reads labelled image manifests and serves mini-batches.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/agegender/agetrain/internal/model"
)

// ErrInvalidManifest is returned for manifests that cannot be used.
var ErrInvalidManifest = errors.New("invalid dataset manifest")

// Example is one labelled image. File is relative to the manifest's folder.
type Example struct {
	File   string `json:"file"`
	Age    int32  `json:"age"`
	Gender int32  `json:"gender"`
}

// UnmarshalJSON accepts "file", "file_name" or "path" for the image path.
func (e *Example) UnmarshalJSON(data []byte) error {
	var raw struct {
		File     string   `json:"file"`
		FileName string   `json:"file_name"`
		Path     string   `json:"path"`
		Age      *float64 `json:"age"`
		Gender   *float64 `json:"gender"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.File != "":
		e.File = raw.File
	case raw.FileName != "":
		e.File = raw.FileName
	default:
		e.File = raw.Path
	}
	if raw.Age == nil || raw.Gender == nil {
		return fmt.Errorf("%w: %q lacks age or gender", ErrInvalidManifest, e.File)
	}
	e.Age = int32(*raw.Age)
	e.Gender = int32(*raw.Gender)
	return nil
}

// Validate checks the path and label ranges.
func (e Example) Validate() error {
	if e.File == "" {
		return fmt.Errorf("%w: example without file", ErrInvalidManifest)
	}
	if e.Age < 0 || e.Age >= model.AgeClasses {
		return fmt.Errorf("%w: %s: age %d outside [0,%d]", ErrInvalidManifest, e.File, e.Age, model.AgeClasses-1)
	}
	if e.Gender < 0 || e.Gender >= model.GenderClasses {
		return fmt.Errorf("%w: %s: gender %d is not 0 or 1", ErrInvalidManifest, e.File, e.Gender)
	}
	return nil
}

// ParseManifest decodes a JSON array of examples and validates each one.
func ParseManifest(data []byte) ([]Example, error) {
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		if errors.Is(err, ErrInvalidManifest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: no examples", ErrInvalidManifest)
	}
	for _, e := range examples {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return examples, nil
}

// ReadManifest reads and parses the manifest at path.
func ReadManifest(path string) ([]Example, error) {
	//nolint:gosec // G304: manifest path comes from the run configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	examples, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}
