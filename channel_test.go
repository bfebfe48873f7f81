package grupo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/grupo/pkg/fc"
	"github.com/raskyld/grupo/pkg/protocols"
	"github.com/raskyld/grupo/pkg/stack"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, name string, neighbours []string, opts ...Option) *Channel {
	t.Helper()
	ch, err := Create(append([]Option{
		WithMemberlistConfig(memberlist.DefaultLocalConfig()),
		WithHostname(name),
		WithListenOn("127.0.0.1", 0),
		WithNeighbours(neighbours),
		WithLog(testLogHandler(name)),
		WithMetricSink(metrics.NewInmemSink(time.Second, 5*time.Minute)),
		WithLeaveTimeout(time.Second),
		WithGracePeriod(100 * time.Millisecond),
	}, opts...)...)
	require.NoError(t, err, "failed to start %s", name)
	t.Cleanup(func() {
		ch.Shutdown()
	})
	return ch
}

func viewOf(ch *Channel) []stack.Address {
	view := ch.View()
	if view == nil {
		return nil
	}
	return view.Members()
}

func receivePayloads(t *testing.T, ch *Channel, n int) map[string]stack.Address {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(map[string]stack.Address, n)
	for range n {
		msg, err := ch.Receive(ctx)
		require.NoError(t, err)
		got[string(msg.Payload)] = msg.Src
	}
	return got
}

func TestChannel(t *testing.T) {
	a := newTestChannel(t, "a", nil,
		WithFlowControl(fc.WithMaxCredits(2000), fc.WithMaxBlockTime(200*time.Millisecond)))

	t.Run("a lone member is in its own view", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(viewOf(a)) == 1
		}, 5*time.Second, 20*time.Millisecond)
		require.Equal(t, stack.Address("a"), a.View().Coordinator())
		require.Equal(t, stack.Address("a"), a.LocalAddress())
		require.Equal(t, []string{fc.ProtocolName, protocols.ViewEnforcerName, GossipName}, a.Layers())
		require.Nil(t, a.Transport())
	})

	b := newTestChannel(t, "b", []string{a.AdvertiseAddr()},
		WithFlowControl(fc.WithMaxCredits(2000), fc.WithMaxBlockTime(200*time.Millisecond)))
	require.NoError(t, b.JoinCluster())

	t.Run("members are added to the views in join order", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(viewOf(a)) == 2 && len(viewOf(b)) == 2
		}, 10*time.Second, 50*time.Millisecond)
		require.Equal(t, []stack.Address{"a", "b"}, viewOf(a))
		require.Equal(t, []stack.Address{"b", "a"}, viewOf(b))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("multicast messages reach every member, sender included", func(t *testing.T) {
		require.NoError(t, a.Send(ctx, stack.Multicast, []byte("hello")))
		require.Equal(t, map[string]stack.Address{"hello": "a"}, receivePayloads(t, a, 1))
		require.Equal(t, map[string]stack.Address{"hello": "a"}, receivePayloads(t, b, 1))
	})

	t.Run("unicast messages only reach their destination", func(t *testing.T) {
		require.NoError(t, b.Send(ctx, "a", []byte("ping")))
		require.Equal(t, map[string]stack.Address{"ping": "b"}, receivePayloads(t, a, 1))

		shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer shortCancel()
		_, err := b.Receive(shortCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("sending to a stranger fails", func(t *testing.T) {
		err := a.Send(ctx, "stranger", []byte("hi"))
		require.ErrorIs(t, err, ErrUnknownMember)
	})

	t.Run("senders are throttled but never stuck under sustained traffic", func(t *testing.T) {
		const n = 100
		errCh := make(chan error, 1)
		go func() {
			for i := range n {
				payload := fmt.Appendf(make([]byte, 0, 100), "msg-%03d", i)
				payload = append(payload, make([]byte, 100-len(payload))...)
				if err := a.Send(ctx, stack.Multicast, payload); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}()

		fromB := receivePayloads(t, b, n)
		fromA := receivePayloads(t, a, n)
		require.NoError(t, <-errCh)
		require.Len(t, fromA, n)
		require.Len(t, fromB, n)

		credits := a.FlowControl().SenderCredits()
		require.Contains(t, credits, stack.Address("a"))
		require.Contains(t, credits, stack.Address("b"))
		require.Greater(t, a.FlowControl().Stats().CreditResponsesReceived, 0)
	})

	t.Run("a departed member leaves the view", func(t *testing.T) {
		require.NoError(t, b.Shutdown())
		require.Eventually(t, func() bool {
			return len(viewOf(a)) == 1
		}, 10*time.Second, 50*time.Millisecond)
		require.NotContains(t, a.FlowControl().SenderCredits(), stack.Address("b"))

		require.ErrorIs(t, b.Send(ctx, stack.Multicast, []byte("late")), ErrChannelClosed)
		_, err := b.Receive(ctx)
		require.ErrorIs(t, err, ErrChannelClosed)
		require.ErrorIs(t, b.JoinCluster(), ErrChannelClosed)
	})
}

func counterTotal(sink *metrics.InmemSink, prefix string) int {
	total := 0
	for _, interval := range sink.Data() {
		for key, val := range interval.Counters {
			if strings.HasPrefix(key, prefix) {
				total += val.Count
			}
		}
	}
	return total
}

func TestChannel_SendOnlyMemberKeepsSending(t *testing.T) {
	const n = 100
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	fcOpts := WithFlowControl(fc.WithMaxCredits(1000), fc.WithMinCredits(250), fc.WithMaxBlockTime(50*time.Millisecond))

	a := newTestChannel(t, "a", nil, fcOpts, WithReceiveBuffer(4), WithMetricSink(sink))
	b := newTestChannel(t, "b", []string{a.AdvertiseAddr()}, fcOpts)
	require.NoError(t, b.JoinCluster())
	require.Eventually(t, func() bool {
		return len(a.FlowControl().SenderCredits()) == 2 && len(b.FlowControl().SenderCredits()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// a never calls Receive: its own messages pile up in its buffer while
	// the credit granted by itself and by b must still get through.
	errCh := make(chan error, 1)
	go func() {
		for i := range n {
			payload := fmt.Appendf(make([]byte, 0, 100), "msg-%03d", i)
			payload = append(payload, make([]byte, 100-len(payload))...)
			if err := a.Send(ctx, stack.Multicast, payload); err != nil {
				errCh <- fmt.Errorf("send %d: %w", i, err)
				return
			}
		}
		errCh <- nil
	}()

	require.Len(t, receivePayloads(t, b, n), n)
	require.NoError(t, <-errCh)
	require.Greater(t, a.FlowControl().Stats().CreditResponsesReceived, 0)

	t.Run("the receive buffer keeps the oldest messages and drops the rest", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return counterTotal(sink, "grupo.channel.msg.dropped.count") == n-4
		}, 5*time.Second, 20*time.Millisecond)

		got := receivePayloads(t, a, 4)
		for i := range 4 {
			require.Contains(t, got, string(append(fmt.Appendf(nil, "msg-%03d", i), make([]byte, 93)...)))
		}

		shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer shortCancel()
		_, err := a.Receive(shortCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestChannel_ShutdownReleasesBlockedSenders(t *testing.T) {
	a := newTestChannel(t, "a", nil,
		WithFlowControl(fc.WithMaxCredits(100), fc.WithMaxBlockTime(0)),
		WithLeaveTimeout(5*time.Second))

	// b loses everything it receives, credit requests included, so it never
	// grants credit back to a.
	deaf, err := protocols.NewDiscard(protocols.WithUpLoss(1))
	require.NoError(t, err)
	b := newTestChannel(t, "b", []string{a.AdvertiseAddr()}, WithLayers(deaf))
	require.NoError(t, b.JoinCluster())
	require.Eventually(t, func() bool {
		return len(a.FlowControl().SenderCredits()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, stack.Multicast, make([]byte, 60)))

	type result struct {
		err error
		at  time.Time
	}
	released := make(chan result, 1)
	go func() {
		err := a.Send(ctx, stack.Multicast, make([]byte, 60))
		released <- result{err: err, at: time.Now()}
	}()

	require.Eventually(t, func() bool {
		creditors := a.FlowControl().Creditors()
		return a.FlowControl().Stats().Blocked && len(creditors) == 1 && creditors[0] == "b"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Shutdown())
	shutdownDone := time.Now()
	select {
	case res := <-released:
		require.ErrorIs(t, res.err, fc.ErrStopped)
		require.False(t, res.at.After(shutdownDone), "blocked senders are released before leaving the cluster")
	case <-time.After(5 * time.Second):
		t.Fatal("blocked sender was not released")
	}
}

func TestChannel_WithLayers(t *testing.T) {
	discard, err := protocols.NewDiscard(protocols.WithDownLoss(1))
	require.NoError(t, err)

	a := newTestChannel(t, "a", nil, WithLayers(discard))
	require.Equal(t, []string{fc.ProtocolName, protocols.DiscardName, protocols.ViewEnforcerName, GossipName}, a.Layers())
	require.Eventually(t, func() bool {
		return len(viewOf(a)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Send(ctx, stack.Multicast, []byte("lost")))
	_, err = a.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, down := discard.Dropped()
	require.Equal(t, int64(1), down)
}

func TestChannel_InvalidConfig(t *testing.T) {
	_, err := Create(WithTlsConfig(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(
		WithMemberlistConfig(memberlist.DefaultLocalConfig()),
		WithListenOn("127.0.0.1", 0),
		WithFlowControl(fc.WithMaxCredits(-1)),
	)
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, fc.ErrInvalidConfig)
}

func TestChannel_OverQUIC(t *testing.T) {
	pki := newTestPKI(t)

	node1 := newTestChannel(t, "node1", nil, WithTlsConfig(pki.tlsConfig("node1")))
	require.NotNil(t, node1.Transport())

	node2 := newTestChannel(t, "node2", []string{node1.AdvertiseAddr()}, WithTlsConfig(pki.tlsConfig("node2")))
	require.NoError(t, node2.JoinCluster())

	t.Run("when node2 joins node1, both see each other", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(viewOf(node1)) == 2 && len(viewOf(node2)) == 2
		}, 10*time.Second, 100*time.Millisecond)
	})

	t.Run("messages travel over QUIC streams", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, node1.Send(ctx, "node2", []byte("over quic")))
		require.Equal(t, map[string]stack.Address{"over quic": "node1"}, receivePayloads(t, node2, 1))
	})
}
