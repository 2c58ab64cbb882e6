package channel

import (
	"callgate/callable"
	"callgate/codec"
	"callgate/message"
	"callgate/protocol"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Add struct {
	A, B int
}

func (*Add) Name() string { return "Add" }
func (a *Add) Call(context.Context) (any, error) {
	return a.A + a.B, nil
}

type WhoAmI struct{}

func (*WhoAmI) Name() string { return "WhoAmI" }
func (*WhoAmI) Call(ctx context.Context) (any, error) {
	c, ok := FromContext(ctx)
	if !ok {
		return nil, errors.New("no channel in context")
	}
	return c.Peer().Name(), nil
}

type Boom struct{}

func (*Boom) Name() string                      { return "Boom" }
func (*Boom) Call(context.Context) (any, error) { panic("kaboom") }

type Counted struct{}

var countedHits atomic.Int32

func (*Counted) Name() string { return "Counted" }
func (*Counted) Call(context.Context) (any, error) {
	countedHits.Add(1)
	return "counted", nil
}

type Slow struct{}

func (*Slow) Name() string { return "Slow" }
func (*Slow) Call(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type Echo struct {
	Data string
}

func (*Echo) Name() string                        { return "Echo" }
func (e *Echo) Call(context.Context) (any, error) { return e.Data, nil }

// Blob answers with Size bytes.
type Blob struct {
	Size int
}

func (*Blob) Name() string { return "Blob" }
func (b *Blob) Call(context.Context) (any, error) {
	return strings.Repeat("x", b.Size), nil
}

func testCatalog() *callable.Catalog {
	return callable.NewCatalog().MustRegister(
		func() callable.Callable { return &Add{} },
		func() callable.Callable { return &WhoAmI{} },
		func() callable.Callable { return &Boom{} },
		func() callable.Callable { return &Counted{} },
		func() callable.Callable { return &Slow{} },
		func() callable.Callable { return &Echo{} },
		func() callable.Callable { return &Blob{} },
	)
}

type kinded struct{ kind string }

func (k *kinded) Error() string { return "refused by " + k.kind }
func (k *kinded) Kind() string  { return k.kind }

// pair builds two channels over an in-memory pipe. configure may add
// decorators to the "controller" end before it is built.
func pair(t *testing.T, configure func(b *Builder)) (ctrl, work *Channel) {
	t.Helper()
	a, b := net.Pipe()

	cb := NewBuilder(message.RoleController, NamedPeer("w1"), testCatalog()).WithHeartbeat(0)
	if configure != nil {
		configure(cb)
	}
	ctrl = cb.Build(a)
	work = NewBuilder(message.RoleWorker, NamedPeer("controller"), testCatalog()).WithHeartbeat(0).Build(b)

	t.Cleanup(func() {
		ctrl.Close()
		work.Close()
	})
	return ctrl, work
}

func TestCallBothDirections(t *testing.T) {
	ctrl, work := pair(t, nil)
	ctx := context.Background()

	var sum int
	require.NoError(t, work.Call(ctx, &Add{A: 1, B: 2}, &sum))
	assert.Equal(t, 3, sum)

	require.NoError(t, ctrl.Call(ctx, &Add{A: 10, B: 20}, &sum))
	assert.Equal(t, 30, sum)

	var who string
	require.NoError(t, work.Call(ctx, &WhoAmI{}, &who))
	assert.Equal(t, "w1", who, "callable runs on the controller end, whose peer is w1")
}

func TestConcurrentCalls(t *testing.T) {
	_, work := pair(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var sum int
			if err := work.Call(context.Background(), &Add{A: n, B: n}, &sum); err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			if sum != 2*n {
				t.Errorf("expect %d, got %d", 2*n, sum)
			}
		}(i)
	}
	wg.Wait()
}

func TestBinaryCodecChannel(t *testing.T) {
	a, b := net.Pipe()
	ctrl := NewBuilder(message.RoleController, NamedPeer("w1"), testCatalog()).WithHeartbeat(0).Build(a)
	work := NewBuilder(message.RoleWorker, NamedPeer("controller"), testCatalog()).
		WithHeartbeat(0).
		WithCodec(codec.CodecTypeBinary).
		Build(b)
	defer ctrl.Close()
	defer work.Close()

	var sum int
	require.NoError(t, work.Call(context.Background(), &Add{A: 5, B: 7}, &sum))
	assert.Equal(t, 12, sum)
}

func TestUnknownCallable(t *testing.T) {
	a, b := net.Pipe()
	ctrl := NewBuilder(message.RoleController, NamedPeer("w1"), callable.NewCatalog()).WithHeartbeat(0).Build(a)
	work := NewBuilder(message.RoleWorker, NamedPeer("controller"), testCatalog()).WithHeartbeat(0).Build(b)
	defer ctrl.Close()
	defer work.Close()

	err := work.Call(context.Background(), &Add{A: 1, B: 1}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, message.KindUnknownCallable, re.Kind)
	assert.Equal(t, "Add", re.Type)
}

type wrapped struct {
	inner callable.Callable
	tag   string
}

func (w *wrapped) Name() string              { return w.inner.Name() }
func (w *wrapped) Unwrap() callable.Callable { return w.inner }
func (w *wrapped) Call(ctx context.Context) (any, error) {
	v, err := w.inner.Call(ctx)
	return []any{w.tag, v}, err
}

func TestDecoratorChainOrderAndStem(t *testing.T) {
	var seen []string
	record := func(tag string) Decorator {
		return DecoratorFunc(func(op, stem callable.Callable) (callable.Callable, error) {
			_, isStem := stem.(*Add)
			assert.True(t, isStem, "stem must stay the instantiated callable")
			seen = append(seen, tag)
			return &wrapped{inner: op, tag: tag}, nil
		})
	}

	_, work := pair(t, func(b *Builder) {
		b.With(record("first")).With(record("second"))
	})

	var out []any
	require.NoError(t, work.Call(context.Background(), &Add{A: 2, B: 2}, &out))
	assert.Equal(t, []string{"first", "second"}, seen)
	// outermost wrapper is the last decorator
	assert.Equal(t, "second", out[0])
}

func TestDecoratorRejectionAbortsBeforeExecution(t *testing.T) {
	countedHits.Store(0)
	_, work := pair(t, func(b *Builder) {
		b.With(DecoratorFunc(func(op, stem callable.Callable) (callable.Callable, error) {
			if stem.Name() == "Counted" {
				return nil, &kinded{kind: "policy_violation"}
			}
			return op, nil
		}))
	})

	err := work.Call(context.Background(), &Counted{}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "policy_violation", re.Kind)
	assert.Equal(t, int32(0), countedHits.Load())

	// the channel survives a rejected request
	var sum int
	require.NoError(t, work.Call(context.Background(), &Add{A: 1, B: 1}, &sum))
	assert.Equal(t, 2, sum)
}

func TestDecoratorReturningNil(t *testing.T) {
	_, work := pair(t, func(b *Builder) {
		b.With(DecoratorFunc(func(op, stem callable.Callable) (callable.Callable, error) { return nil, nil }))
	})

	var re *RemoteError
	require.ErrorAs(t, work.Call(context.Background(), &Add{}, nil), &re)
	assert.Equal(t, message.KindFailed, re.Kind)
}

func TestPanicBecomesFailure(t *testing.T) {
	_, work := pair(t, nil)

	var re *RemoteError
	require.ErrorAs(t, work.Call(context.Background(), &Boom{}, nil), &re)
	assert.Equal(t, message.KindFailed, re.Kind)
	assert.Contains(t, re.Message, "kaboom")

	var sum int
	require.NoError(t, work.Call(context.Background(), &Add{A: 1, B: 2}, &sum))
}

func TestCallContextCancelled(t *testing.T) {
	_, work := pair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := work.Call(ctx, &Slow{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	ctrl, work := pair(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- work.Call(context.Background(), &Slow{}, nil) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ctrl.Close())

	select {
	case err := <-errCh:
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, message.KindTransport, re.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not released by close")
	}

	<-work.Done()
	assert.Error(t, work.Err())
	assert.ErrorIs(t, ctrl.Err(), ErrClosed)

	var re *RemoteError
	require.ErrorAs(t, work.Call(context.Background(), &Add{}, nil), &re)
	assert.Equal(t, message.KindTransport, re.Kind)
}

func TestBuilderSnapshotsChain(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	pass := DecoratorFunc(func(op, stem callable.Callable) (callable.Callable, error) { return op, nil })
	builder := NewBuilder(message.RoleController, NamedPeer("w1"), testCatalog()).WithHeartbeat(0).With(pass)
	ch := builder.Build(a)
	defer ch.Close()

	builder.With(pass)
	assert.Len(t, builder.Decorators(), 2)
	assert.Len(t, ch.Decorators(), 1)
	assert.NotEmpty(t, ch.ID())
	assert.Equal(t, message.RoleController, ch.Role())
}

func TestHandshake(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go WriteHello(a, &message.Hello{Name: "w1", Role: message.RoleWorker})

	h, err := ReadHello(b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w1", h.Name)
	assert.Equal(t, message.RoleWorker, h.Role)
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := ReadHello(b, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestOversizeRequestFailsOnlyThatCall(t *testing.T) {
	_, work := pair(t, nil)

	big := strings.Repeat("a", int(protocol.MaxBodyLen)+1)
	var re *RemoteError
	require.ErrorAs(t, work.Call(context.Background(), &Echo{Data: big}, nil), &re)
	assert.Equal(t, message.KindBadRequest, re.Kind)
	assert.Contains(t, re.Message, "too large")

	var out string
	require.NoError(t, work.Call(context.Background(), &Echo{Data: "still up"}, &out))
	assert.Equal(t, "still up", out)
}

func TestOversizeResponseFailsOnlyThatCall(t *testing.T) {
	_, work := pair(t, nil)

	var re *RemoteError
	require.ErrorAs(t, work.Call(context.Background(), &Blob{Size: int(protocol.MaxBodyLen) + 1}, nil), &re)
	assert.Equal(t, message.KindFailed, re.Kind)
	assert.Contains(t, re.Message, "too large")

	var sum int
	require.NoError(t, work.Call(context.Background(), &Add{A: 1, B: 1}, &sum))
	assert.Equal(t, 2, sum)
}
