package codec

import (
	"callgate/message"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	typeLen u16 | type | payloadLen u32 | payload | kindLen u16 | kind | errLen u16 | err
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	for name, s := range map[string]string{"type": msg.Type, "error kind": msg.ErrorKind, "error": msg.Error} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: %s too long (%d bytes)", name, len(s))
		}
	}

	total := 2 + len(msg.Type) + 4 + len(msg.Payload) + 2 + len(msg.ErrorKind) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	offset = putString16(buf, offset, msg.Type)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:offset+len(msg.Payload)], msg.Payload)
	offset += len(msg.Payload)

	offset = putString16(buf, offset, msg.ErrorKind)
	putString16(buf, offset, msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0
	var err error

	if msg.Type, offset, err = readString16(data, offset); err != nil {
		return err
	}

	if len(data) < offset+4 {
		return errShortBuffer
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShortBuffer
	}
	msg.Payload = make([]byte, payloadLen)
	copy(msg.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	if msg.ErrorKind, offset, err = readString16(data, offset); err != nil {
		return err
	}
	if msg.Error, _, err = readString16(data, offset); err != nil {
		return err
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString16(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

func readString16(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, errShortBuffer
	}
	return string(data[offset : offset+n]), offset + n, nil
}
