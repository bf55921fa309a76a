package events

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agegender/agetrain/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Unix(1760000000, 500_000_000)
}

func TestMaskedCRC_KnownValue(t *testing.T) {
	// CRC-32C of "123456789" is 0xe3069283.
	c := uint32(0xe3069283)
	want := ((c >> 15) | (c << 17)) + 0xa282ead8
	assert.Equal(t, want, maskedCRC([]byte("123456789")))
}

func TestWriter_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	w, err := newWriter(dir, fixedClock)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(w.Path()), "events.out.tfevents.1760000000."))

	require.NoError(t, w.WriteScalars(3, []metrics.Event{
		{Tag: "train/mae", Value: 4.5},
		{Tag: "train/lr", Value: 0.001},
	}))
	require.NoError(t, w.WriteScalars(4, []metrics.Event{{Tag: "test/mae", Value: 7}}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	records, err := ReadScalars(w.Path())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, FileVersion, records[0].FileVersion)
	assert.InDelta(t, 1760000000.5, records[0].WallTime, 1e-3)

	assert.Equal(t, int64(3), records[1].Step)
	require.Len(t, records[1].Scalars, 2)
	assert.Equal(t, "train/mae", records[1].Scalars[0].Tag)
	assert.InDelta(t, 4.5, records[1].Scalars[0].Value, 1e-6)
	assert.Equal(t, "train/lr", records[1].Scalars[1].Tag)
	assert.InDelta(t, 0.001, records[1].Scalars[1].Value, 1e-6)

	assert.Equal(t, int64(4), records[2].Step)
	assert.Equal(t, []metrics.Event{{Tag: "test/mae", Value: 7}}, records[2].Scalars)
}

func TestWriter_ClosedWriterFails(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.WriteScalars(1, nil))
}

func TestRead_CorruptRecord(t *testing.T) {
	w, err := newWriter(t.TempDir(), fixedClock)
	require.NoError(t, err)
	require.NoError(t, w.WriteScalars(1, []metrics.Event{{Tag: "train/mae", Value: 1}}))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-6] ^= 0x01
	records, err := Read(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrCorruptRecord)
	assert.Len(t, records, 1, "records before the corrupt one are returned")

	_, err = Read(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	records, err = Read(bytes.NewReader(nil))
	assert.NoError(t, err)
	assert.Empty(t, records)
}
