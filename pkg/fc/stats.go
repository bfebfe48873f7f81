package fc

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
)

// lastBlockingsSize is how many blocking durations `Stats` keeps.
const lastBlockingsSize = 50

type stats struct {
	numBlockings            int
	totalBlocked            time.Duration
	lastBlockings           []time.Duration
	creditRequestsSent      int
	creditRequestsReceived  int
	creditResponsesSent     int
	creditResponsesReceived int
}

func newStats() stats {
	return stats{lastBlockings: make([]time.Duration, 0, lastBlockingsSize)}
}

func (s *stats) recordBlocking(d time.Duration) {
	s.totalBlocked += d
	if len(s.lastBlockings) == lastBlockingsSize {
		s.lastBlockings = append(s.lastBlockings[:0], s.lastBlockings[1:]...)
	}
	s.lastBlockings = append(s.lastBlockings, d)
}

// Stats is a snapshot of the activity of a `FlowControl` layer.
type Stats struct {
	Blocked bool
	// Blockings is how many times a sender had to wait for credit.
	Blockings        int
	TotalTimeBlocked time.Duration
	// LastBlockings holds the durations of the most recent blockings,
	// oldest first.
	LastBlockings           []time.Duration
	CreditRequestsSent      int
	CreditRequestsReceived  int
	CreditResponsesSent     int
	CreditResponsesReceived int
}

func (s Stats) AverageTimeBlocked() time.Duration {
	if s.Blockings == 0 {
		return 0
	}
	return s.TotalTimeBlocked / time.Duration(s.Blockings)
}

func (f *FlowControl) Stats() Stats {
	f.lk.Lock()
	defer f.lk.Unlock()
	return Stats{
		Blocked:                 f.blocked,
		Blockings:               f.stats.numBlockings,
		TotalTimeBlocked:        f.stats.totalBlocked,
		LastBlockings:           slices.Clone(f.stats.lastBlockings),
		CreditRequestsSent:      f.stats.creditRequestsSent,
		CreditRequestsReceived:  f.stats.creditRequestsReceived,
		CreditResponsesSent:     f.stats.creditResponsesSent,
		CreditResponsesReceived: f.stats.creditResponsesReceived,
	}
}

func (f *FlowControl) ResetStats() {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.stats = newStats()
}

// SenderCredits is the credit left to send to each member.
func (f *FlowControl) SenderCredits() map[stack.Address]int64 {
	f.lk.Lock()
	defer f.lk.Unlock()
	return maps.Clone(f.ledger.sent)
}

// ReceiverCredits is the credit each member has left before we replenish
// it.
func (f *FlowControl) ReceiverCredits() map[stack.Address]int64 {
	f.lk.Lock()
	defer f.lk.Unlock()
	return maps.Clone(f.ledger.received)
}

// Creditors are the members blocked senders wait credit from.
func (f *FlowControl) Creditors() []stack.Address {
	f.lk.Lock()
	defer f.lk.Unlock()
	return slices.Sorted(maps.Keys(f.ledger.creditors))
}

func (f *FlowControl) String() string {
	f.lk.Lock()
	defer f.lk.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s local=%s blocked=%t lowest_credit=%d\n",
		ProtocolName, f.local, f.blocked, f.ledger.lowest)
	printCredits(&sb, "senders", f.ledger.sent)
	printCredits(&sb, "receivers", f.ledger.received)
	fmt.Fprintf(&sb, "creditors: %v\n", slices.Sorted(maps.Keys(f.ledger.creditors)))
	fmt.Fprintf(&sb, "pending requesters: %v\n", slices.Sorted(maps.Keys(f.ledger.pending)))
	return sb.String()
}

func printCredits(sb *strings.Builder, title string, credits map[stack.Address]int64) {
	fmt.Fprintf(sb, "%s:\n", title)
	for _, mbr := range slices.Sorted(maps.Keys(credits)) {
		fmt.Fprintf(sb, "  %s: %d\n", mbr, credits[mbr])
	}
}
