// Package events writes scalar summaries as TensorBoard event files.
//
// Each file is a sequence of TFRecord-framed Event protocol buffers. The
// messages are encoded directly on the wire with protowire; only the fields
// needed for scalars are produced:
//
//	Event   { double wall_time = 1; int64 step = 2; string file_version = 3; Summary summary = 5; }
//	Summary { repeated Value value = 1; }
//	Value   { string tag = 1; float simple_value = 2; }
package events

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/agegender/agetrain/internal/metrics"
	"google.golang.org/protobuf/encoding/protowire"
)

// FileVersion is written in the first record of every event file.
const FileVersion = "brain.Event:2"

// Event and summary field numbers.
const (
	fieldWallTime    protowire.Number = 1
	fieldStep        protowire.Number = 2
	fieldFileVersion protowire.Number = 3
	fieldSummary     protowire.Number = 5

	fieldSummaryValue protowire.Number = 1

	fieldValueTag         protowire.Number = 1
	fieldValueSimpleValue protowire.Number = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the TFRecord checksum of data.
func maskedCRC(data []byte) uint32 {
	c := crc32.Checksum(data, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// Writer appends scalar events to a single event file.
type Writer struct {
	path string
	file *os.File
	buf  *bufio.Writer
	now  func() time.Time
}

// NewWriter creates logDir if needed and opens a new event file in it,
// named events.out.tfevents.<unix seconds>.<hostname>.
func NewWriter(logDir string) (*Writer, error) {
	return newWriter(logDir, time.Now)
}

func newWriter(logDir string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%s", now().Unix(), host)
	path := filepath.Join(logDir, name)

	//nolint:gosec // G304: log dir is inside the experiment folder
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	w := &Writer{path: path, file: file, buf: bufio.NewWriter(file), now: now}

	var ev []byte
	ev = appendWallTime(ev, now())
	ev = protowire.AppendTag(ev, fieldFileVersion, protowire.BytesType)
	ev = protowire.AppendString(ev, FileVersion)
	if err := w.writeRecord(ev); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the event file location.
func (w *Writer) Path() string {
	return w.path
}

// WriteScalars writes one event holding all scalars for step and flushes it.
func (w *Writer) WriteScalars(step int64, scalars []metrics.Event) error {
	var summary []byte
	for _, s := range scalars {
		var value []byte
		value = protowire.AppendTag(value, fieldValueTag, protowire.BytesType)
		value = protowire.AppendString(value, s.Tag)
		value = protowire.AppendTag(value, fieldValueSimpleValue, protowire.Fixed32Type)
		value = protowire.AppendFixed32(value, math.Float32bits(float32(s.Value)))

		summary = protowire.AppendTag(summary, fieldSummaryValue, protowire.BytesType)
		summary = protowire.AppendBytes(summary, value)
	}

	var ev []byte
	ev = appendWallTime(ev, w.now())
	ev = protowire.AppendTag(ev, fieldStep, protowire.VarintType)
	ev = protowire.AppendVarint(ev, uint64(step))
	ev = protowire.AppendTag(ev, fieldSummary, protowire.BytesType)
	ev = protowire.AppendBytes(ev, summary)
	return w.writeRecord(ev)
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func appendWallTime(b []byte, t time.Time) []byte {
	b = protowire.AppendTag(b, fieldWallTime, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(float64(t.UnixNano())/1e9))
}

// writeRecord frames data as a TFRecord:
// uint64 length, masked crc of length, data, masked crc of data.
func (w *Writer) writeRecord(data []byte) error {
	if w.file == nil {
		return fmt.Errorf("event writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[0:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	if _, err := w.buf.Write(header[:]); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if _, err := w.buf.Write(footer[:]); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}
