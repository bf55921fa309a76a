package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Encode writes ckpt in checkpoint format to w.
//
// Tensors are written in the order given. The fixed header carries a SHA-256
// checksum of the data section that Decode verifies.
func Encode(w io.Writer, ckpt *Checkpoint) error {
	if ckpt == nil {
		return fmt.Errorf("nil checkpoint")
	}
	createdAt := ckpt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	header := Header{
		FormatVersion: FormatVersion,
		Producer:      producerName,
		Model:         ckpt.Model,
		Step:          ckpt.Step,
		Tag:           ckpt.Tag,
		CreatedAt:     createdAt,
		Tensors:       make([]TensorMeta, 0, len(ckpt.Tensors)),
		Metadata:      ckpt.Metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	flags := uint32(0)
	if len(ckpt.Metadata) > 0 {
		flags |= FlagHasMetadata
	}

	// Lay out tensors and collect the data section.
	var data bytes.Buffer
	var currentOffset int64
	for _, t := range ckpt.Tensors {
		if err := t.Validate(); err != nil {
			return err
		}
		if strings.HasPrefix(t.Name, optimizerPrefix) {
			flags |= FlagHasOptimizer
		}
		size := int64(len(t.Data)) * float32Size
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   t.Name,
			DType:  DTypeFloat32,
			Shape:  append([]int(nil), t.Shape...),
			Offset: currentOffset,
			Size:   size,
		})
		var word [float32Size]byte
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			data.Write(word[:])
		}
		currentOffset += size
	}
	if len(header.Tensors) > MaxTensorCount {
		return ErrTooManyTensors
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	checksum := sha256.Sum256(data.Bytes())

	// 0x00-0x03 magic, 0x04-0x07 version, 0x08-0x0B flags, 0x0C-0x0F reserved,
	// 0x10-0x17 header size, 0x18-0x1F data size, 0x20-0x3F checksum.
	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(FormatVersion))
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(data.Len()))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}

	currentPos := int64(FixedHeaderSize) + int64(len(headerJSON))
	if padding := alignedOffset(currentPos) - currentPos; padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	if _, err := w.Write(data.Bytes()); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}

// WriteFile atomically writes ckpt to path.
func WriteFile(path string, ckpt *Checkpoint) error {
	var buf bytes.Buffer
	if err := Encode(&buf, ckpt); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o644)
}
