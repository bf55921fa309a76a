package events

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/agegender/agetrain/internal/metrics"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorruptRecord is returned when a record fails its CRC check or cannot
// be decoded.
var ErrCorruptRecord = errors.New("corrupt event record")

// Record is one decoded event.
type Record struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Scalars     []metrics.Event
}

// ReadScalars decodes every event in the file at path.
func ReadScalars(path string) ([]Record, error) {
	//nolint:gosec // G304: event files live in the experiment folder
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes TFRecord-framed events until EOF.
func Read(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var out []Record
	for {
		var header [12]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if maskedCRC(header[0:8]) != binary.LittleEndian.Uint32(header[8:12]) {
			return out, fmt.Errorf("%w: length checksum", ErrCorruptRecord)
		}
		length := binary.LittleEndian.Uint64(header[0:8])
		if length > 64<<20 {
			return out, fmt.Errorf("%w: record of %d bytes", ErrCorruptRecord, length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(br, data); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		var footer [4]byte
		if _, err := io.ReadFull(br, footer[:]); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if maskedCRC(data) != binary.LittleEndian.Uint32(footer[:]) {
			return out, fmt.Errorf("%w: data checksum", ErrCorruptRecord)
		}
		rec, err := decodeEvent(data)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// consume reads one field header and returns its number, type and the
// remaining buffer.
func consume(b []byte) (protowire.Number, protowire.Type, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
	}
	return num, typ, b[n:], nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
	}
	return b[n:], nil
}

func decodeEvent(b []byte) (Record, error) {
	var rec Record
	for len(b) > 0 {
		num, typ, rest, err := consume(b)
		if err != nil {
			return rec, err
		}
		b = rest
		switch {
		case num == fieldWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: wall_time", ErrCorruptRecord)
			}
			rec.WallTime = math.Float64frombits(v)
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: step", ErrCorruptRecord)
			}
			rec.Step = int64(v)
			b = b[n:]
		case num == fieldFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: file_version", ErrCorruptRecord)
			}
			rec.FileVersion = v
			b = b[n:]
		case num == fieldSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: summary", ErrCorruptRecord)
			}
			scalars, err := decodeSummary(v)
			if err != nil {
				return rec, err
			}
			rec.Scalars = scalars
			b = b[n:]
		default:
			if b, err = skip(num, typ, b); err != nil {
				return rec, err
			}
		}
	}
	return rec, nil
}

func decodeSummary(b []byte) ([]metrics.Event, error) {
	var out []metrics.Event
	for len(b) > 0 {
		num, typ, rest, err := consume(b)
		if err != nil {
			return nil, err
		}
		b = rest
		if num != fieldSummaryValue || typ != protowire.BytesType {
			if b, err = skip(num, typ, b); err != nil {
				return nil, err
			}
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: summary value", ErrCorruptRecord)
		}
		ev, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		b = b[n:]
	}
	return out, nil
}

func decodeValue(b []byte) (metrics.Event, error) {
	var ev metrics.Event
	for len(b) > 0 {
		num, typ, rest, err := consume(b)
		if err != nil {
			return ev, err
		}
		b = rest
		switch {
		case num == fieldValueTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ev, fmt.Errorf("%w: tag", ErrCorruptRecord)
			}
			ev.Tag = v
			b = b[n:]
		case num == fieldValueSimpleValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return ev, fmt.Errorf("%w: simple_value", ErrCorruptRecord)
			}
			ev.Value = float64(math.Float32frombits(v))
			b = b[n:]
		default:
			if b, err = skip(num, typ, b); err != nil {
				return ev, err
			}
		}
	}
	return ev, nil
}
