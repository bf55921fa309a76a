package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// ReaderOptions configures Decode.
type ReaderOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
}

// fixedHeader is the parsed 64-byte prefix of a checkpoint file.
type fixedHeader struct {
	version    uint32
	flags      uint32
	headerSize uint64
	dataSize   uint64
	checksum   [ChecksumSize]byte
}

func parseFixedHeader(b []byte) (fixedHeader, error) {
	var fh fixedHeader
	if len(b) < FixedHeaderSize {
		return fh, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(b), FixedHeaderSize)
	}
	if string(b[0:4]) != MagicBytes {
		return fh, ErrInvalidMagic
	}
	fh.version = binary.LittleEndian.Uint32(b[4:8])
	if fh.version != FormatVersion {
		return fh, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, fh.version, FormatVersion)
	}
	fh.flags = binary.LittleEndian.Uint32(b[8:12])
	fh.headerSize = binary.LittleEndian.Uint64(b[16:24])
	fh.dataSize = binary.LittleEndian.Uint64(b[24:32])
	copy(fh.checksum[:], b[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if fh.headerSize > MaxHeaderSize {
		return fh, ErrHeaderTooLarge
	}
	return fh, nil
}

// Decode parses a checkpoint from its encoded bytes.
func Decode(b []byte, opts ReaderOptions) (*Checkpoint, error) {
	fh, err := parseFixedHeader(b)
	if err != nil {
		return nil, err
	}

	headerEnd := int64(FixedHeaderSize) + int64(fh.headerSize)
	if int64(len(b)) < headerEnd {
		return nil, fmt.Errorf("%w: header needs %d bytes", ErrTruncated, fh.headerSize)
	}
	var header Header
	if err := json.Unmarshal(b[FixedHeaderSize:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	dataOffset := alignedOffset(headerEnd)
	//nolint:gosec // G115: dataSize is bounded by the file length below
	dataEnd := dataOffset + int64(fh.dataSize)
	if dataEnd > int64(len(b)) || dataEnd < dataOffset {
		return nil, fmt.Errorf("%w: data section needs %d bytes", ErrTruncated, fh.dataSize)
	}
	data := b[dataOffset:dataEnd]

	if !opts.SkipChecksumValidation {
		if sha256.Sum256(data) != fh.checksum {
			return nil, ErrChecksumMismatch
		}
	}
	if err := ValidateHeader(&header, int64(len(data))); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	ckpt := &Checkpoint{
		Model:     header.Model,
		Step:      header.Step,
		Tag:       header.Tag,
		CreatedAt: header.CreatedAt,
		Tensors:   make([]Tensor, 0, len(header.Tensors)),
		Metadata:  header.Metadata,
	}
	for _, meta := range header.Tensors {
		raw := data[meta.Offset : meta.Offset+meta.Size]
		values := make([]float32, meta.Size/float32Size)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*float32Size:]))
		}
		ckpt.Tensors = append(ckpt.Tensors, Tensor{
			Name:  meta.Name,
			Shape: append([]int(nil), meta.Shape...),
			Data:  values,
		})
	}
	return ckpt, nil
}

// ReadFile reads and verifies the checkpoint stored at path.
func ReadFile(path string) (*Checkpoint, error) {
	//nolint:gosec // G304: checkpoint paths come from user configuration
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ckpt, err := Decode(b, ReaderOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ckpt, nil
}

// ReadHeader reads only the fixed and JSON headers of the file at path.
func ReadHeader(path string) (Header, error) {
	//nolint:gosec // G304: checkpoint paths come from user configuration
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	prefix := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return Header{}, fmt.Errorf("%s: %w: %v", path, ErrTruncated, err)
	}
	fh, err := parseFixedHeader(prefix)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	headerJSON := make([]byte, fh.headerSize)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return Header{}, fmt.Errorf("%s: %w: %v", path, ErrTruncated, err)
	}
	var header Header
	if err := json.NewDecoder(bytes.NewReader(headerJSON)).Decode(&header); err != nil {
		return Header{}, fmt.Errorf("%s: failed to parse header JSON: %w", path, err)
	}
	return header, nil
}
