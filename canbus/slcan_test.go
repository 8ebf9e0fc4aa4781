package canbus

import (
	"testing"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSLCAN(t *testing.T) {
	frame := can.Frame{
		ID:     0x7DF,
		Length: 8,
		Data:   [8]uint8{0x02, 0x01, 0x0C, 0, 0, 0, 0, 0},
	}
	assert.Equal(t, "t7DF802010C0000000000\r", encodeSLCAN(frame))

	short := can.Frame{ID: 0x101, Length: 2, Data: [8]uint8{0xAB, 0xCD}}
	assert.Equal(t, "t1012ABCD\r", encodeSLCAN(short))
}

func TestParseSLCANStandardFrame(t *testing.T) {
	frame, ok := parseSLCAN("t7E8410 C")
	assert.False(t, ok, "malformed data must be rejected")
	_ = frame

	frame, ok = parseSLCAN("t7E83410C1F")
	require.True(t, ok)
	assert.Equal(t, uint32(0x7E8), frame.ID)
	assert.Equal(t, uint8(3), frame.Length)
	assert.Equal(t, [8]uint8{0x41, 0x0C, 0x1F}, frame.Data)
}

func TestParseSLCANExtendedFrame(t *testing.T) {
	frame, ok := parseSLCAN("T18DB33F12AABB")
	require.True(t, ok)
	assert.Equal(t, uint32(0x18DB33F1), frame.ID)
	assert.Equal(t, uint8(2), frame.Length)
	assert.Equal(t, uint8(0xAA), frame.Data[0])
	assert.Equal(t, uint8(0xBB), frame.Data[1])
}

func TestParseSLCANRejects(t *testing.T) {
	tests := []string{
		"",          // empty
		"z123",      // unknown record type
		"t7E8",      // missing length
		"t7E89",     // impossible length
		"t7E8241",   // truncated data
		"r7E80",     // remote frames ignored
		"\x07",      // adapter error bell
	}
	for _, line := range tests {
		_, ok := parseSLCAN(line)
		assert.False(t, ok, "expected %q to be rejected", line)
	}
}

func TestParseSLCANRoundTrip(t *testing.T) {
	frame := can.Frame{
		ID:     0x7E8,
		Length: 8,
		Data:   [8]uint8{0x04, 0x41, 0x0C, 0x0F, 0xA0, 0, 0, 0},
	}
	parsed, ok := parseSLCAN("t7E8804410C0FA0000000")
	require.True(t, ok)
	assert.Equal(t, frame, parsed)
}

func TestSLCANNotInitialized(t *testing.T) {
	s := NewSLCAN("/dev/null", 115200)
	assert.Equal(t, ErrNotInitialized, s.Send(can.Frame{}))
	assert.False(t, s.Available())
	assert.NoError(t, s.Close())
}
