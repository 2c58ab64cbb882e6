package middleware

import (
	"bytes"
	"callgate/message"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{
		Type:    req.Type,
		Payload: []byte("ok"),
	}
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return &message.RPCMessage{
		Type:    req.Type,
		Payload: []byte("ok"),
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	handler := LoggingMiddleware(logger)(echoHandler)

	resp := handler(context.Background(), &message.RPCMessage{Type: "Ping"})
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp.Payload))
	}
	if !strings.Contains(buf.String(), `"callable":"Ping"`) {
		t.Fatalf("expect log line naming the callable, got %q", buf.String())
	}
}

func TestLoggingFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)
	failing := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		return message.ErrorMessage(req.Type, "policy_violation", "Invocation of ReadFile is prohibited")
	}

	LoggingMiddleware(logger)(failing)(context.Background(), &message.RPCMessage{Type: "ReadFile"})
	if !strings.Contains(buf.String(), `"error_kind":"policy_violation"`) {
		t.Fatalf("expect warn line with error kind, got %q", buf.String())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &message.RPCMessage{Type: "Ping"})
	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &message.RPCMessage{Type: "Ping"})
	if resp.ErrorKind != message.KindTimeout {
		t.Fatalf("expect timeout error, got '%s'", resp.ErrorKind)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: the first two pass, the third is refused
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.RPCMessage{Type: "AppendLogLine"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if resp.ErrorKind != message.KindRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.ErrorKind)
	}
}

func TestRetryTransientOnly(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) < 3 {
			return message.ErrorMessage(req.Type, message.KindTransport, "connection refused")
		}
		return &message.RPCMessage{Type: req.Type, Payload: []byte("ok")}
	}

	resp := RetryMiddleware(3, time.Millisecond, zerolog.Nop())(flaky)(context.Background(), &message.RPCMessage{Type: "Ping"})
	if resp.Failed() || calls.Load() != 3 {
		t.Fatalf("expect success on third attempt, got %+v after %d calls", resp, calls.Load())
	}

	calls.Store(0)
	rejected := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls.Add(1)
		return message.ErrorMessage(req.Type, "policy_violation", "prohibited")
	}
	resp = RetryMiddleware(3, time.Millisecond, zerolog.Nop())(rejected)(context.Background(), &message.RPCMessage{Type: "ReadFile"})
	if resp.ErrorKind != "policy_violation" || calls.Load() != 1 {
		t.Fatalf("policy rejection must not be retried, got %d calls", calls.Load())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), LoggingMiddleware(zerolog.Nop()), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), &message.RPCMessage{Type: "Ping"})

	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("expect outer-to-inner order a,b, got %v", order)
	}
}
