package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame constructs a well-formed event-stream frame carrying a single
// ":event-type" string header and a JSON payload.
func buildFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()
	header := encodeStringHeader(":event-type", eventType)
	headerLen := len(header)
	totalLen := preludeWithCRC + headerLen + len(payload) + 4

	buf := make([]byte, totalLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(buf[4:8], uint32(headerLen))
	preludeCRC := crc32.ChecksumIEEE(buf[0:8])
	binary.BigEndian.PutUint32(buf[8:12], preludeCRC)
	copy(buf[preludeWithCRC:], header)
	copy(buf[preludeWithCRC+headerLen:], payload)
	frameCRC := crc32.ChecksumIEEE(buf[:totalLen-4])
	binary.BigEndian.PutUint32(buf[totalLen-4:], frameCRC)
	return buf
}

func encodeStringHeader(name, value string) []byte {
	b := make([]byte, 0, 1+len(name)+1+2+len(value))
	b = append(b, byte(len(name)))
	b = append(b, name...)
	b = append(b, headerTypeStr)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	b = append(b, lenBuf...)
	b = append(b, value...)
	return b
}

func TestFramer_SingleChunk(t *testing.T) {
	frame := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"hi"}`))
	f := New()
	events, err := f.Feed(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "assistantResponseEvent", events[0].EventType)
	assert.JSONEq(t, `{"content":"hi"}`, string(events[0].Payload))
}

func TestFramer_ByteAtATimeMatchesSingleChunk(t *testing.T) {
	frame1 := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"hello"}`))
	frame2 := buildFrame(t, "assistantResponseEvent", []byte(`{"content":" world"}`))
	all := append(append([]byte{}, frame1...), frame2...)

	whole := New()
	wholeEvents, err := whole.Feed(all)
	require.NoError(t, err)

	streamed := New()
	var streamedEvents []Event
	for i := range all {
		evs, err := streamed.Feed(all[i : i+1])
		require.NoError(t, err)
		streamedEvents = append(streamedEvents, evs...)
	}

	require.Equal(t, len(wholeEvents), len(streamedEvents))
	for i := range wholeEvents {
		assert.Equal(t, wholeEvents[i].EventType, streamedEvents[i].EventType)
		assert.JSONEq(t, string(wholeEvents[i].Payload), string(streamedEvents[i].Payload))
	}
}

func TestFramer_PreludeCRCMismatch(t *testing.T) {
	frame := buildFrame(t, "assistantResponseEvent", []byte(`{}`))
	frame[9] ^= 0xFF // corrupt prelude CRC byte
	f := New()
	_, err := f.Feed(frame)
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestFramer_IncompleteFrameBuffered(t *testing.T) {
	frame := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"partial"}`))
	f := New()
	events, err := f.Feed(frame[:len(frame)-5])
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = f.Feed(frame[len(frame)-5:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "assistantResponseEvent", events[0].EventType)
}
