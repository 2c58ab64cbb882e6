// Package message defines the envelopes exchanged on a callgate channel.
//
// RPCMessage is the body of every request and response frame. It gets
// serialized by the codec layer and wrapped in a protocol frame. Hello is the
// body of the one handshake frame each side sends before any request.
package message

// Error kinds carried in RPCMessage.ErrorKind so the calling side can tell a
// policy rejection from an ordinary execution failure.
const (
	KindFailed          = "failed"           // the callable ran and returned an error (or panicked)
	KindUnknownCallable = "unknown_callable" // the receiver has no such callable type
	KindBadRequest      = "bad_request"      // the payload did not decode into the callable
	KindRateLimited     = "rate_limited"
	KindTimeout         = "timeout"
	KindTransport       = "transport" // the channel broke before a response arrived
)

// RPCMessage carries the data for a single invocation or its result.
//
//   - On request:  Type names the callable, Payload holds its serialized fields.
//   - On response: Payload holds the serialized result; Error is non-empty if
//     the call failed and ErrorKind classifies the failure.
type RPCMessage struct {
	Type      string // callable type name, e.g. "FetchLogLine"
	Error     string
	ErrorKind string
	Payload   []byte // JSON bytes
}

// Failed reports whether the message carries an error.
func (m *RPCMessage) Failed() bool {
	return m.Error != "" || m.ErrorKind != ""
}

// ErrorMessage builds a response carrying an error of the given kind.
func ErrorMessage(typ, kind, msg string) *RPCMessage {
	return &RPCMessage{Type: typ, ErrorKind: kind, Error: msg}
}

// Roles a node can announce in its Hello.
const (
	RoleController = "controller"
	RoleWorker     = "worker"
)

// Hello is the handshake body. The worker sends first; the controller answers
// with its own Hello, or with Error set when it refuses the connection.
type Hello struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
