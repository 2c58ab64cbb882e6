package channel

import (
	"callgate/message"
	"callgate/protocol"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// WriteHello sends the handshake frame. Hello bodies are always JSON.
func WriteHello(conn net.Conn, h *message.Hello) error {
	body, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return protocol.Encode(conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeHello,
	}, body)
}

// ReadHello reads the handshake frame, failing if it does not arrive within timeout.
func ReadHello(conn net.Conn, timeout time.Duration) (*message.Hello, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	header, body, err := protocol.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if header.MsgType != protocol.MsgTypeHello {
		return nil, fmt.Errorf("read hello: got %s frame", header.MsgType)
	}

	h := &message.Hello{}
	if err := json.Unmarshal(body, h); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	return h, nil
}
