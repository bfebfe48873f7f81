package fc

import (
	"github.com/raskyld/grupo/pkg/stack"
)

// handleViewChange tracks the members of view with full credit and forgets
// the ones which left. Senders waiting only on departed members are
// released.
func (f *FlowControl) handleViewChange(view *stack.View) {
	if view == nil {
		return
	}

	f.lk.Lock()
	defer f.lk.Unlock()

	if f.view != nil && f.view.Equal(view) {
		return
	}
	f.view = view

	var added []stack.Address
	for _, mbr := range view.Members() {
		if f.ledger.addMember(mbr) {
			added = append(added, mbr)
		}
	}
	removed := f.ledger.retain(view)
	f.ledger.refreshLowest()
	clear(f.ledger.lastRequest)

	f.logger.Debug("new view",
		"view", view.String(),
		"added", added,
		"removed", removed,
		"creditors", len(f.ledger.creditors),
	)
	f.msink.IncrCounterWithLabels(MetricFCViewChangesCount, 1, f.labels)

	if len(f.ledger.creditors) == 0 {
		f.maybeFlowingLocked()
	}
	if f.waiters > 0 {
		f.broadcastLocked()
	}
}
