package serialization

import (
	"fmt"
	"time"
)

// Format constants.
const (
	MagicBytes       = "AGCK"
	FormatVersion    = 1
	HeaderAlignment  = 64   // Tensor data starts on a 64-byte boundary
	FixedHeaderSize  = 64   // Fixed header size (0x40 bytes)
	ChecksumSize     = 32   // SHA-256 checksum size
	ChecksumOffset   = 0x20 // Checksum offset in the fixed header
	DTypeFloat32     = "float32"
	float32Size      = 4
	producerName     = "agetrain"
	optimizerPrefix  = "optimizer."
)

// Flags stored in the fixed header.
const (
	FlagHasOptimizer uint32 = 1 << 0 // tensors include optimizer state
	FlagHasMetadata  uint32 = 1 << 1 // custom metadata present
)

// Tensor is a named float32 tensor.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape dimensions.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the shape matches the data length.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("tensor %q: negative dimension in shape %v", t.Name, t.Shape)
		}
	}
	if n := t.NumElements(); n != len(t.Data) {
		return fmt.Errorf("tensor %q: shape %v needs %d elements, got %d", t.Name, t.Shape, n, len(t.Data))
	}
	return ValidateTensorName(t.Name)
}

// Checkpoint is the content of one checkpoint file.
type Checkpoint struct {
	Model     string            // Model variant that produced the tensors
	Step      int64             // Global step the parameters correspond to
	Tag       int64             // Tag the file was saved under (batch index)
	CreatedAt time.Time         // Write time, set by the writer when zero
	Tensors   []Tensor          // Parameters and optimizer state
	Metadata  map[string]string // Free-form metadata
}

// Tensor returns the tensor with the given name.
func (c *Checkpoint) Tensor(name string) (Tensor, bool) {
	for _, t := range c.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Header is the JSON header of a checkpoint file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	Model         string            `json:"model"`
	Step          int64             `json:"step"`
	Tag           int64             `json:"tag"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "age.bias")
	DType  string `json:"dtype"`  // Always "float32"
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

func alignedOffset(pos int64) int64 {
	return pos + (HeaderAlignment-(pos%HeaderAlignment))%HeaderAlignment
}
