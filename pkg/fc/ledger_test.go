package fc

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
	"github.com/stretchr/testify/require"
)

func TestLedger_CreditStaysWithinBounds(t *testing.T) {
	const maxCredits = 1000
	rng := rand.New(rand.NewPCG(1, 2))
	members := []stack.Address{"a", "b", "c"}

	l := newLedger(maxCredits)
	for _, mbr := range members {
		l.addMember(mbr)
	}

	for range 10000 {
		mbr := members[rng.IntN(len(members))]
		amount := rng.Int64N(2 * maxCredits)
		if rng.IntN(2) == 0 {
			dest := mbr
			if rng.IntN(4) == 0 {
				dest = stack.Multicast
			}
			// Senders only consume credit they have.
			if !l.mustWait(dest, amount) && amount < maxCredits {
				remaining, ok := l.decrementSent(dest, amount)
				require.True(t, ok)
				l.lowest = min(l.lowest, remaining)
			}
		} else {
			old := l.sent[mbr]
			added, excess, ok := l.grantSentCredit(mbr, amount)
			require.True(t, ok)
			require.Equal(t, min(amount, maxCredits-old), added)
			require.Equal(t, amount-added, excess)
			l.refreshLowest()
		}

		for _, credit := range l.sent {
			require.GreaterOrEqual(t, credit, int64(0))
			require.LessOrEqual(t, credit, int64(maxCredits))
		}
		require.Equal(t, l.lowestAcrossSent(), l.lowest)
	}
}

func TestLedger_Decrement(t *testing.T) {
	l := newLedger(1000)
	l.addMember("a")
	l.addMember("b")

	remaining, ok := l.decrementSent("b", 300)
	require.True(t, ok)
	require.EqualValues(t, 700, remaining)

	remaining, ok = l.decrementSent(stack.Multicast, 100)
	require.True(t, ok)
	require.EqualValues(t, 600, remaining)

	_, ok = l.decrementSent("z", 100)
	require.False(t, ok, "unknown members are reported")
	require.NotContains(t, l.sent, stack.Address("z"))

	require.EqualValues(t, 900, l.decrementReceived("c", 100))
	owed, ok := l.owed("c")
	require.True(t, ok)
	require.EqualValues(t, 100, owed)
}

func TestLedger_Creditors(t *testing.T) {
	l := newLedger(1000)
	for _, mbr := range []stack.Address{"a", "b", "c"} {
		l.addMember(mbr)
	}
	l.sent["b"] = 10
	l.sent["c"] = 50

	require.Equal(t, []stack.Address{"b", "c"}, l.determineCreditors(stack.Multicast, 50))
	require.Empty(t, l.determineCreditors("a", 50))
	require.Equal(t, []stack.Address{"b"}, l.starved(stack.Multicast, 49))

	t.Run("large messages only need a full window", func(t *testing.T) {
		require.False(t, l.mustWait("a", 5000))
		require.True(t, l.mustWait("c", 5000))
	})

	t.Run("departed members are forgotten", func(t *testing.T) {
		l.pending["c"] = struct{}{}
		removed := l.retain(stack.NewView(stack.ViewID{Seq: 2}, []stack.Address{"a", "b"}))
		require.Equal(t, []stack.Address{"c"}, removed)
		require.NotContains(t, l.creditors, stack.Address("c"))
		require.NotContains(t, l.pending, stack.Address("c"))
		require.NotContains(t, l.received, stack.Address("c"))
		require.Contains(t, l.creditors, stack.Address("b"))
	})
}

func TestLedger_CreditRequestsAreThrottled(t *testing.T) {
	l := newLedger(1000)
	l.addMember("b")
	l.addMember("c")
	l.sent["b"] = 5

	now := time.Now()
	interval := 100 * time.Millisecond

	require.Equal(t, map[stack.Address]int64{"b": 5}, l.creditRequests([]stack.Address{"b"}, now, interval))
	require.Empty(t, l.creditRequests([]stack.Address{"b"}, now.Add(interval/2), interval))
	require.Equal(t, map[stack.Address]int64{"c": 1000},
		l.creditRequests([]stack.Address{"b", "c"}, now.Add(interval/2), interval))
	require.Equal(t, map[stack.Address]int64{"b": 5}, l.creditRequests([]stack.Address{"b"}, now.Add(interval), interval))

	clear(l.lastRequest)
	require.Len(t, l.creditRequests([]stack.Address{"b", "c"}, now.Add(interval), interval), 2)
}

func TestHeader(t *testing.T) {
	for _, hdr := range []header{
		{typ: typeReplenish, amount: 500000},
		{typ: typeCreditRequest, amount: -20000},
	} {
		decoded, err := unmarshalHeader(hdr.marshal())
		require.NoError(t, err)
		require.Equal(t, hdr, decoded)
	}

	_, err := unmarshalHeader([]byte{byte(typeReplenish)})
	require.ErrorIs(t, err, ErrMalformedHeader)

	_, err = unmarshalHeader([]byte{9, 0})
	require.ErrorIs(t, err, ErrUnknownHeaderType)
}
