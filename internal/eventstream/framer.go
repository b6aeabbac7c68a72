// Package eventstream decodes the AWS binary event-stream framing used by
// the Amazon Q CodeWhisperer streaming RPC. It is fed arbitrary byte chunks
// and emits one decoded event per complete frame, preserving chunk
// boundaries across calls.
package eventstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

const (
	preludeLen      = 8 // total_len u32 + header_len u32
	preludeWithCRC  = preludeLen + 4
	minFrameLen     = preludeWithCRC + 4 // prelude+crc, then trailing frame crc
	headerTypeBool  = 0
	headerTypeByte  = 2
	headerTypeShort = 3
	headerTypeInt   = 4
	headerTypeBytes = 6
	headerTypeStr   = 7
)

// Event is one decoded frame: the ":event-type" header value (if present)
// and the JSON-parsed payload.
type Event struct {
	EventType string
	Headers   map[string]string
	Payload   json.RawMessage
}

// ParseError indicates a CRC mismatch or malformed frame. It is always
// non-retryable.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

// Framer buffers partial frames across Feed calls.
type Framer struct {
	buf []byte
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed appends chunk to the internal buffer and returns every complete
// frame it can now decode. It never blocks on an incomplete trailing frame;
// the remainder stays buffered for the next call.
func (f *Framer) Feed(chunk []byte) ([]Event, error) {
	if len(chunk) > 0 {
		f.buf = append(f.buf, chunk...)
	}

	var events []Event
	for {
		ev, n, err := f.decodeOne()
		if err != nil {
			return events, err
		}
		if n == 0 {
			break
		}
		f.buf = f.buf[n:]
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// decodeOne attempts to decode a single frame from the front of the
// buffer. It returns (nil, 0, nil) when the buffer does not yet hold a
// complete frame.
func (f *Framer) decodeOne() (*Event, int, error) {
	if len(f.buf) < preludeWithCRC {
		return nil, 0, nil
	}
	totalLen := binary.BigEndian.Uint32(f.buf[0:4])
	headerLen := binary.BigEndian.Uint32(f.buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(f.buf[8:12])

	if totalLen < uint32(minFrameLen) || int(totalLen) < preludeWithCRC {
		return nil, 0, &ParseError{msg: "eventstream: invalid total_len"}
	}
	if uint64(len(f.buf)) < uint64(totalLen) {
		return nil, 0, nil // incomplete frame; wait for more bytes
	}

	gotPreludeCRC := crc32.ChecksumIEEE(f.buf[0:8])
	if gotPreludeCRC != preludeCRC {
		return nil, 0, &ParseError{msg: "eventstream: prelude crc mismatch"}
	}

	frame := f.buf[:totalLen]
	frameCRC := binary.BigEndian.Uint32(frame[totalLen-4:])
	gotFrameCRC := crc32.ChecksumIEEE(frame[:totalLen-4])
	if gotFrameCRC != frameCRC {
		return nil, int(totalLen), &ParseError{msg: "eventstream: frame crc mismatch"}
	}

	headersEnd := preludeWithCRC + int(headerLen)
	if headersEnd > int(totalLen)-4 {
		return nil, int(totalLen), &ParseError{msg: "eventstream: header_len exceeds frame"}
	}
	headers, err := decodeHeaders(frame[preludeWithCRC:headersEnd])
	if err != nil {
		return nil, int(totalLen), err
	}
	payload := frame[headersEnd : totalLen-4]

	ev := &Event{
		EventType: headers[":event-type"],
		Headers:   headers,
	}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(append([]byte(nil), payload...))
	}
	return ev, int(totalLen), nil
}

func decodeHeaders(b []byte) (map[string]string, error) {
	headers := make(map[string]string)
	pos := 0
	for pos < len(b) {
		if pos+1 > len(b) {
			return nil, &ParseError{msg: "eventstream: truncated header name length"}
		}
		nameLen := int(b[pos])
		pos++
		if pos+nameLen > len(b) {
			return nil, &ParseError{msg: "eventstream: truncated header name"}
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen
		if pos+1 > len(b) {
			return nil, &ParseError{msg: "eventstream: truncated header type"}
		}
		typ := b[pos]
		pos++
		switch typ {
		case headerTypeBool:
			headers[name] = "false"
		case headerTypeByte:
			if pos+1 > len(b) {
				return nil, &ParseError{msg: "eventstream: truncated byte header"}
			}
			headers[name] = fmt.Sprintf("%d", int8(b[pos]))
			pos++
		case headerTypeShort:
			if pos+2 > len(b) {
				return nil, &ParseError{msg: "eventstream: truncated short header"}
			}
			headers[name] = fmt.Sprintf("%d", int16(binary.BigEndian.Uint16(b[pos:pos+2])))
			pos += 2
		case headerTypeInt:
			if pos+4 > len(b) {
				return nil, &ParseError{msg: "eventstream: truncated int header"}
			}
			headers[name] = fmt.Sprintf("%d", int32(binary.BigEndian.Uint32(b[pos:pos+4])))
			pos += 4
		case headerTypeBytes, headerTypeStr:
			if pos+2 > len(b) {
				return nil, &ParseError{msg: "eventstream: truncated value length"}
			}
			valLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
			pos += 2
			if pos+valLen > len(b) {
				return nil, &ParseError{msg: "eventstream: truncated header value"}
			}
			headers[name] = string(b[pos : pos+valLen])
			pos += valLen
		default:
			// Any other header value type (including timestamp and uuid)
			// is not decoded or skipped: the frame is rejected with a
			// ParseError. CodeWhisperer sends string-valued headers.
			return nil, &ParseError{msg: "eventstream: unsupported header value type"}
		}
	}
	return headers, nil
}
