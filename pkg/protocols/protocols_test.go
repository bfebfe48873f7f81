package protocols

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/grupo/pkg/stack"
	"github.com/stretchr/testify/require"
)

type collector struct {
	events []stack.Event
}

func (c *collector) Up(_ context.Context, ev stack.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) Down(_ context.Context, ev stack.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) msgs() int {
	n := 0
	for _, ev := range c.events {
		if ev.Type == stack.EventMsg {
			n++
		}
	}
	return n
}

// counter sums a counter over every interval kept by sink.
func counter(sink *metrics.InmemSink, key string) int {
	total := 0
	for _, interval := range sink.Data() {
		if val, ok := interval.Counters[key]; ok {
			total += val.Count
		}
	}
	return total
}

func msgFrom(src stack.Address) stack.Event {
	msg := stack.NewMessage(stack.Multicast, []byte("x"))
	msg.Src = src
	return stack.MsgEvent(msg)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()

	t.Run("drops everything with a probability of one", func(t *testing.T) {
		sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
		d, err := NewDiscard(WithUpLoss(1), WithDownLoss(1), WithMetricSink(sink))
		require.NoError(t, err)
		above, below := &collector{}, &collector{}
		d.Init(above, below)

		for range 10 {
			require.NoError(t, d.Up(ctx, msgFrom("b")))
			require.NoError(t, d.Down(ctx, msgFrom(stack.Multicast)))
		}
		require.Zero(t, above.msgs())
		require.Zero(t, below.msgs())

		up, down := d.Dropped()
		require.EqualValues(t, 10, up)
		require.EqualValues(t, 10, down)

		require.Equal(t, 10, counter(sink, "grupo.discard.up.count"))

		d.ResetStats()
		up, down = d.Dropped()
		require.Zero(t, up+down)
	})

	t.Run("forwards everything without loss", func(t *testing.T) {
		d, err := NewDiscard(WithMetricSink(nil))
		require.NoError(t, err)
		above, below := &collector{}, &collector{}
		d.Init(above, below)

		require.NoError(t, d.Up(ctx, msgFrom("b")))
		require.NoError(t, d.Down(ctx, msgFrom(stack.Multicast)))
		require.Equal(t, 1, above.msgs())
		require.Equal(t, 1, below.msgs())
	})

	t.Run("spares local messages when excluding itself", func(t *testing.T) {
		d, err := NewDiscard(WithUpLoss(1), WithDownLoss(1), WithExcludeItself(true), WithMetricSink(nil))
		require.NoError(t, err)
		above, below := &collector{}, &collector{}
		d.Init(above, below)

		require.NoError(t, d.Up(ctx, stack.SetLocalAddressEvent("a")))
		require.NoError(t, d.Up(ctx, msgFrom("a")))
		require.NoError(t, d.Up(ctx, msgFrom("b")))
		require.NoError(t, d.Down(ctx, msgFrom(stack.Multicast)))
		require.Equal(t, 1, above.msgs())
		require.Equal(t, 1, below.msgs())
	})

	t.Run("drops roughly the configured share", func(t *testing.T) {
		d, err := NewDiscard(WithUpLoss(0.5), WithSeed(42), WithMetricSink(nil))
		require.NoError(t, err)
		above := &collector{}
		d.Init(above, &collector{})

		for range 1000 {
			require.NoError(t, d.Up(ctx, msgFrom("b")))
		}
		require.InDelta(t, 500, above.msgs(), 100)
	})

	t.Run("rejects invalid probabilities", func(t *testing.T) {
		_, err := NewDiscard(WithUpLoss(1.5))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestParseDiscardProperties(t *testing.T) {
	opts, err := ParseDiscardProperties(map[string]string{
		"up":            "0.1",
		"down":          "0.2",
		"excludeitself": "true",
	})
	require.NoError(t, err)

	cfg, err := newConfig(opts)
	require.NoError(t, err)
	require.Equal(t, 0.1, cfg.upLoss)
	require.Equal(t, 0.2, cfg.downLoss)
	require.True(t, cfg.excludeItself)

	_, err = ParseDiscardProperties(map[string]string{"sideways": "1"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseDiscardProperties(map[string]string{"up": "often"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestViewEnforcer(t *testing.T) {
	ctx := context.Background()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	v, err := NewViewEnforcer(WithMetricSink(sink))
	require.NoError(t, err)
	above := &collector{}
	v.Init(above, &collector{})

	t.Run("views are discarded while the local address is unknown", func(t *testing.T) {
		require.NoError(t, v.Up(ctx, stack.ViewChangeEvent(stack.NewView(stack.ViewID{Seq: 1}, []stack.Address{"a"}))))
		require.Empty(t, above.events)
	})

	require.NoError(t, v.Up(ctx, stack.SetLocalAddressEvent("a")))

	t.Run("messages are dropped before joining", func(t *testing.T) {
		require.NoError(t, v.Up(ctx, msgFrom("b")))
		require.Zero(t, above.msgs())
		require.False(t, v.IsMember())
	})

	t.Run("views without the local member are discarded", func(t *testing.T) {
		require.NoError(t, v.Up(ctx, stack.ViewChangeEvent(stack.NewView(stack.ViewID{Seq: 2}, []stack.Address{"b"}))))
		require.False(t, v.IsMember())
	})

	t.Run("everything passes once a member", func(t *testing.T) {
		require.NoError(t, v.Up(ctx, stack.ViewChangeEvent(stack.NewView(stack.ViewID{Seq: 3}, []stack.Address{"b", "a"}))))
		require.True(t, v.IsMember())
		require.NoError(t, v.Up(ctx, msgFrom("b")))
		require.Equal(t, 1, above.msgs())

		// Later views are not filtered, even if we were excluded.
		require.NoError(t, v.Up(ctx, stack.ViewChangeEvent(stack.NewView(stack.ViewID{Seq: 4}, []stack.Address{"b"}))))
		require.Equal(t, stack.EventViewChange, above.events[len(above.events)-1].Type)
	})

	require.Equal(t, 1, counter(sink, "grupo.view_enforcer.drop.count"))
}
