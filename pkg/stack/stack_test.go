package stack

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type traceLayer struct {
	Base
	name    string
	trace   *[]string
	start   error
	swallow bool
}

func (l *traceLayer) Name() string { return l.name }

func (l *traceLayer) Up(ctx context.Context, ev Event) error {
	*l.trace = append(*l.trace, "up:"+l.name)
	if l.swallow {
		return nil
	}
	return l.PassUp(ctx, ev)
}

func (l *traceLayer) Down(ctx context.Context, ev Event) error {
	*l.trace = append(*l.trace, "down:"+l.name)
	return l.PassDown(ctx, ev)
}

func (l *traceLayer) Start() error {
	*l.trace = append(*l.trace, "start:"+l.name)
	return l.start
}

func (l *traceLayer) Stop() {
	*l.trace = append(*l.trace, "stop:"+l.name)
}

func TestStack_Wiring(t *testing.T) {
	var trace []string
	top := &traceLayer{name: "top", trace: &trace}
	mid := &traceLayer{name: "mid", trace: &trace}
	bottom := &traceLayer{name: "bottom", trace: &trace}

	var delivered []Event
	app := UpperFunc(func(_ context.Context, ev Event) error {
		delivered = append(delivered, ev)
		return nil
	})

	s, err := New(nil, app, top, mid, bottom)
	require.NoError(t, err)
	require.Equal(t, []string{"top", "mid", "bottom"}, s.Names())

	t.Run("start goes bottom up and stop goes top down", func(t *testing.T) {
		trace = nil
		require.NoError(t, s.Start())
		s.Stop()
		require.Equal(t, []string{
			"start:bottom", "start:mid", "start:top",
			"stop:top", "stop:mid", "stop:bottom",
		}, trace)
	})

	t.Run("messages leaving the bottom have no transport", func(t *testing.T) {
		trace = nil
		err := s.Down(context.Background(), MsgEvent(NewMessage(Multicast, []byte("hi"))))
		require.ErrorIs(t, err, ErrNoTransport)
		require.Equal(t, []string{"down:top", "down:mid", "down:bottom"}, trace)
	})

	t.Run("other events are dropped at the bottom", func(t *testing.T) {
		err := s.Down(context.Background(), ViewChangeEvent(NewView(ViewID{}, []Address{"a"})))
		require.NoError(t, err)
	})

	t.Run("up events reach the application", func(t *testing.T) {
		trace = nil
		require.NoError(t, s.Up(context.Background(), SuspectEvent("b")))
		require.Equal(t, []string{"up:bottom", "up:mid", "up:top"}, trace)
		require.Len(t, delivered, 1)
		require.Equal(t, Address("b"), delivered[0].Addr)
	})

	t.Run("a layer can swallow an event", func(t *testing.T) {
		trace = nil
		delivered = nil
		mid.swallow = true
		require.NoError(t, s.Up(context.Background(), SuspectEvent("b")))
		require.Equal(t, []string{"up:bottom", "up:mid"}, trace)
		require.Empty(t, delivered)
	})
}

func TestStack_StartFailureStopsStartedLayers(t *testing.T) {
	var trace []string
	boom := errors.New("boom")
	top := &traceLayer{name: "top", trace: &trace, start: boom}
	bottom := &traceLayer{name: "bottom", trace: &trace}

	s, err := New(nil, nil, top, bottom)
	require.NoError(t, err)
	require.ErrorIs(t, s.Start(), boom)
	require.Equal(t, []string{"start:bottom", "start:top", "stop:bottom"}, trace)
}

func TestStack_InvalidComposition(t *testing.T) {
	var trace []string
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrNoLayers)

	_, err = New(nil, nil, &traceLayer{name: "x", trace: &trace}, &traceLayer{name: "x", trace: &trace})
	require.ErrorIs(t, err, ErrDuplicateLayer)
}

func TestView(t *testing.T) {
	v := NewView(ViewID{Seq: 3}, []Address{"a", "b", "a", Multicast, "c"})

	require.Equal(t, []Address{"a", "b", "c"}, v.Members())
	require.Equal(t, Address("a"), v.Coordinator())
	require.Equal(t, ViewID{Coordinator: "a", Seq: 3}, v.ID())
	require.True(t, v.Contains("b"))
	require.False(t, v.Contains("d"))

	members := v.Members()
	members[0] = "z"
	require.Equal(t, Address("a"), v.Coordinator(), "views must not be mutated through accessors")

	require.True(t, v.Equal(NewView(ViewID{Seq: 3}, []Address{"a", "b", "c"})))
	require.False(t, v.Equal(NewView(ViewID{Seq: 4}, []Address{"a", "b", "c"})))
}

func TestCodec(t *testing.T) {
	msg := NewMessage("b", []byte("payload"))
	msg.Src = "a"
	msg.PutHeader("FC", []byte{1, 2})
	msg.PutHeader("DISCARD", nil)

	decoded, err := Unmarshal(Marshal(msg))
	require.NoError(t, err)
	require.Equal(t, Address("b"), decoded.Dest)
	require.Equal(t, Address("a"), decoded.Src)
	require.Equal(t, []byte("payload"), decoded.Payload)
	require.Equal(t, []string{"DISCARD", "FC"}, decoded.HeaderNames())
	hdr, ok := decoded.Header("FC")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, hdr)

	t.Run("multicast messages keep an empty destination", func(t *testing.T) {
		decoded, err := Unmarshal(Marshal(NewMessage(Multicast, nil)))
		require.NoError(t, err)
		require.True(t, decoded.Dest.IsMulticast())
		require.Zero(t, decoded.Length())
	})

	t.Run("truncated frames are rejected", func(t *testing.T) {
		buf := Marshal(msg)
		_, err := Unmarshal(buf[:len(buf)-3])
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestReentrantContext(t *testing.T) {
	ctx := context.Background()
	require.False(t, IsReentrant(ctx))
	require.True(t, IsReentrant(WithReentrant(ctx)))
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Push(SuspectEvent("a")))
	require.True(t, q.Push(SuspectEvent("b")))

	select {
	case <-q.Ready():
	default:
		t.Fatal("a non-empty queue must be ready")
	}

	events := q.Drain()
	require.Len(t, events, 2)
	require.Equal(t, Address("a"), events[0].Addr)
	require.Equal(t, Address("b"), events[1].Addr)
	require.Empty(t, q.Drain())

	q.Close()
	require.False(t, q.Push(SuspectEvent("c")))
	require.Empty(t, q.Drain())
}

func TestQueue_Pop(t *testing.T) {
	q := NewQueue()
	_, ok := q.Pop()
	require.False(t, ok)

	for _, addr := range []Address{"a", "b", "c"} {
		require.True(t, q.Push(SuspectEvent(addr)))
	}
	<-q.Ready()

	ev, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, Address("a"), ev.Addr)
	require.Equal(t, 2, q.Len())

	select {
	case <-q.Ready():
	default:
		t.Fatal("the queue must stay ready while events remain")
	}

	ev, _ = q.Pop()
	require.Equal(t, Address("b"), ev.Addr)
	ev, _ = q.Pop()
	require.Equal(t, Address("c"), ev.Addr)
	require.Zero(t, q.Len())

	select {
	case <-q.Ready():
		t.Fatal("an empty queue must not be ready")
	default:
	}
}
