package fc

import (
	"slices"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
)

// ledger holds the credit accounting of a `FlowControl`.
// It is not safe for concurrent use: every method must be called with
// `FlowControl.lk` held.
type ledger struct {
	maxCredits int64

	// sent is the credit left to send to each member.
	sent map[stack.Address]int64
	// received is the credit left to each member before we owe them
	// a replenishment.
	received map[stack.Address]int64

	// creditors are the members we are waiting credit from.
	creditors map[stack.Address]struct{}
	// pending are the members that asked for credit we did not have.
	pending map[stack.Address]struct{}

	lastRequest map[stack.Address]time.Time

	// lowest is a lower bound of sent, used as a fast path before
	// looking at individual members.
	lowest int64
}

func newLedger(maxCredits int64) *ledger {
	return &ledger{
		maxCredits:  maxCredits,
		sent:        make(map[stack.Address]int64),
		received:    make(map[stack.Address]int64),
		creditors:   make(map[stack.Address]struct{}),
		pending:     make(map[stack.Address]struct{}),
		lastRequest: make(map[stack.Address]time.Time),
		lowest:      maxCredits,
	}
}

// decrementSent consumes length credits for dest, or for every tracked
// member if dest is multicast. It returns the lowest remaining credit among
// the affected members, and false if dest is an unknown member.
func (l *ledger) decrementSent(dest stack.Address, length int64) (int64, bool) {
	if dest.IsMulticast() {
		lowest := l.maxCredits
		for mbr, credit := range l.sent {
			credit -= length
			l.sent[mbr] = credit
			lowest = min(lowest, credit)
		}
		return lowest, true
	}

	credit, ok := l.sent[dest]
	if !ok {
		return 0, false
	}
	credit -= length
	l.sent[dest] = credit
	return credit, true
}

// grantSentCredit adds amount to the credit of peer, capped at max credits.
// It returns the credit actually added and the excess that was discarded.
func (l *ledger) grantSentCredit(peer stack.Address, amount int64) (added, excess int64, ok bool) {
	credit, ok := l.sent[peer]
	if !ok {
		return 0, 0, false
	}
	updated := min(credit+amount, l.maxCredits)
	l.sent[peer] = updated
	return updated - credit, credit + amount - updated, true
}

// decrementReceived records length bytes received from peer and returns
// the credit peer has left from our point of view.
func (l *ledger) decrementReceived(peer stack.Address, length int64) int64 {
	credit, ok := l.received[peer]
	if !ok {
		credit = l.maxCredits
	}
	credit -= length
	l.received[peer] = credit
	return credit
}

// owed is the credit peer consumed since we last replenished it.
func (l *ledger) owed(peer stack.Address) (int64, bool) {
	credit, ok := l.received[peer]
	if !ok {
		return 0, false
	}
	return l.maxCredits - credit, true
}

func (l *ledger) resetReceived(peer stack.Address) {
	l.received[peer] = l.maxCredits
}

// lowestAcrossSent is the minimum of sent, or max credits if no member is
// tracked.
func (l *ledger) lowestAcrossSent() int64 {
	lowest := l.maxCredits
	for _, credit := range l.sent {
		lowest = min(lowest, credit)
	}
	return lowest
}

func (l *ledger) refreshLowest() {
	l.lowest = l.lowestAcrossSent()
}

// threshold is the credit a member must exceed before a message of length
// bytes can be sent to it. Messages longer than max credits only require
// a full window.
func (l *ledger) threshold(length int64) int64 {
	return min(length, l.maxCredits-1)
}

// starved lists the members dest resolves to which do not have enough
// credit for a message of length bytes.
func (l *ledger) starved(dest stack.Address, length int64) []stack.Address {
	limit := l.threshold(length)
	if !dest.IsMulticast() {
		if credit, ok := l.sent[dest]; ok && credit <= limit {
			return []stack.Address{dest}
		}
		return nil
	}

	var starved []stack.Address
	for mbr, credit := range l.sent {
		if credit <= limit {
			starved = append(starved, mbr)
		}
	}
	slices.Sort(starved)
	return starved
}

func (l *ledger) mustWait(dest stack.Address, length int64) bool {
	return len(l.starved(dest, length)) > 0
}

// determineCreditors adds the members dest resolves to which lack credit
// to the creditors and returns them.
func (l *ledger) determineCreditors(dest stack.Address, length int64) []stack.Address {
	starved := l.starved(dest, length)
	for _, mbr := range starved {
		l.creditors[mbr] = struct{}{}
	}
	return starved
}

func (l *ledger) removeCreditor(peer stack.Address) bool {
	_, ok := l.creditors[peer]
	delete(l.creditors, peer)
	return ok
}

func (l *ledger) clearCreditors() {
	clear(l.creditors)
}

// creditRequests selects among creditors the ones that have not been asked
// for credit since interval, marks them as asked at now, and returns their
// current balance.
func (l *ledger) creditRequests(creditors []stack.Address, now time.Time, interval time.Duration) map[stack.Address]int64 {
	requests := make(map[stack.Address]int64, len(creditors))
	for _, mbr := range creditors {
		credit, ok := l.sent[mbr]
		if !ok {
			continue
		}
		if last, asked := l.lastRequest[mbr]; asked && now.Sub(last) < interval {
			continue
		}
		l.lastRequest[mbr] = now
		requests[mbr] = credit
	}
	return requests
}

// refillSent gives every member a full window again.
func (l *ledger) refillSent() {
	for mbr := range l.sent {
		l.sent[mbr] = l.maxCredits
	}
	l.lowest = l.maxCredits
}

// addMember starts tracking mbr with full windows in both directions.
// It returns false if mbr was already tracked.
func (l *ledger) addMember(mbr stack.Address) bool {
	if _, ok := l.sent[mbr]; ok {
		return false
	}
	l.sent[mbr] = l.maxCredits
	if _, ok := l.received[mbr]; !ok {
		l.received[mbr] = l.maxCredits
	}
	return true
}

// retain forgets every member that is not in view and returns them.
func (l *ledger) retain(view *stack.View) []stack.Address {
	var removed []stack.Address
	for mbr := range l.sent {
		if !view.Contains(mbr) {
			removed = append(removed, mbr)
			delete(l.sent, mbr)
		}
	}
	for mbr := range l.received {
		if !view.Contains(mbr) {
			if !slices.Contains(removed, mbr) {
				removed = append(removed, mbr)
			}
			delete(l.received, mbr)
		}
	}
	for mbr := range l.creditors {
		if !view.Contains(mbr) {
			delete(l.creditors, mbr)
		}
	}
	for mbr := range l.pending {
		if !view.Contains(mbr) {
			delete(l.pending, mbr)
		}
	}
	slices.Sort(removed)
	return removed
}
