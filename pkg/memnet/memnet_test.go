package memnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lk     sync.Mutex
	events []stack.Event
}

func (r *recorder) Up(_ context.Context, ev stack.Event) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) payloads() []string {
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == stack.EventMsg {
			out = append(out, string(ev.Msg.Payload))
		}
	}
	return out
}

func (r *recorder) types() []stack.EventType {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := make([]stack.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func attach(t *testing.T, sw *Switch, addr stack.Address) (*stack.Stack, *recorder) {
	t.Helper()
	node, err := sw.Attach(addr)
	require.NoError(t, err)
	rec := &recorder{}
	s, err := stack.New(nil, rec, node)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, rec
}

func TestSwitch(t *testing.T) {
	sw := NewSwitch(nil)
	a, recA := attach(t, sw, "a")
	_, recB := attach(t, sw, "b")
	_, recC := attach(t, sw, "c")

	view := sw.InstallView("a", "b", "c")
	require.Equal(t, stack.Address("a"), view.Coordinator())

	ctx := context.Background()

	t.Run("attaching the same address twice fails", func(t *testing.T) {
		_, err := sw.Attach("a")
		require.ErrorIs(t, err, ErrAddressInUse)
		_, err = sw.Attach(stack.Multicast)
		require.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("the local address and view come first", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(recB.types()) == 2
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, []stack.EventType{stack.EventSetLocalAddress, stack.EventViewChange}, recB.types())
	})

	t.Run("multicast reaches every member including the sender", func(t *testing.T) {
		require.NoError(t, a.Down(ctx, stack.MsgEvent(stack.NewMessage(stack.Multicast, []byte("hello")))))
		for _, rec := range []*recorder{recA, recB, recC} {
			require.Eventually(t, func() bool {
				return len(rec.payloads()) == 1
			}, time.Second, 5*time.Millisecond)
			require.Equal(t, []string{"hello"}, rec.payloads())
		}
	})

	t.Run("unicast is stamped with the source", func(t *testing.T) {
		require.NoError(t, a.Down(ctx, stack.MsgEvent(stack.NewMessage("c", []byte("psst")))))
		require.Eventually(t, func() bool {
			return len(recC.payloads()) == 2
		}, time.Second, 5*time.Millisecond)

		recC.lk.Lock()
		last := recC.events[len(recC.events)-1]
		recC.lk.Unlock()
		require.Equal(t, stack.Address("a"), last.Msg.Src)
		require.Len(t, recB.payloads(), 1)
	})

	t.Run("unknown destinations are reported", func(t *testing.T) {
		err := a.Down(ctx, stack.MsgEvent(stack.NewMessage("z", []byte("?"))))
		require.ErrorIs(t, err, ErrUnknownDestination)
	})

	t.Run("partitions drop traffic until healed", func(t *testing.T) {
		sw.Partition("a", "b")
		require.NoError(t, a.Down(ctx, stack.MsgEvent(stack.NewMessage("b", []byte("lost")))))
		sw.Heal("a", "b")
		require.NoError(t, a.Down(ctx, stack.MsgEvent(stack.NewMessage("b", []byte("found")))))

		require.Eventually(t, func() bool {
			return len(recB.payloads()) == 2
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"hello", "found"}, recB.payloads())
	})
}

func TestNode_StopDetaches(t *testing.T) {
	sw := NewSwitch(nil)
	a, _ := attach(t, sw, "a")
	b, _ := attach(t, sw, "b")

	b.Stop()
	err := a.Down(context.Background(), stack.MsgEvent(stack.NewMessage("b", []byte("gone"))))
	require.ErrorIs(t, err, ErrUnknownDestination)

	_, err = sw.Attach("b")
	require.NoError(t, err, "a stopped node frees its address")
}
