// Package protocol implements the binary frame used on every callgate channel.
//
// A fixed 14-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ cgp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The message type is what tells a channel whether an inbound frame is a
// request issued by the peer (and therefore subject to the decorator chain)
// or a response to one of its own calls.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "cgp" (callgate protocol). Connections that do not start with
// them are dropped before any body is read.
const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x67 // 'g'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body so a hostile peer cannot make the
	// reader allocate arbitrary amounts of memory.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes request, response, heartbeat and handshake frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // peer asks us to execute a callable
	MsgTypeResponse  MsgType = 1 // result of a callable we sent
	MsgTypeHeartbeat MsgType = 2 // keepalive probe (no body)
	MsgTypeHello     MsgType = 3 // handshake, exchanged once before any request
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeHello:
		return "hello"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// Codec type constants, mirrored from the codec package to avoid a circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, Heartbeat or Hello
	Seq       uint32  // matches a response to its request
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing a writer between goroutines must serialise calls, otherwise
// frames from different requests interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	switch msgType {
	case MsgTypeRequest, MsgTypeResponse, MsgTypeHeartbeat, MsgTypeHello:
	default:
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
