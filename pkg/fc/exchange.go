package fc

import (
	"context"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/grupo/pkg/stack"
)

func (f *FlowControl) handleControl(ctx context.Context, src stack.Address, raw []byte) {
	hdr, err := unmarshalHeader(raw)
	if err != nil {
		f.logger.Warn("dropping control message", LabelPeer.L(src), LabelError.L(err))
		f.msink.IncrCounterWithLabels(MetricFCControlInErrorCount, 1, f.labels)
		return
	}

	switch hdr.typ {
	case typeReplenish:
		f.handleCredit(src, hdr.amount)
	case typeCreditRequest:
		f.handleCreditRequest(ctx, src, hdr.amount)
	}
}

// adjustCredit accounts a message received from its source, and
// replenishes the source once it consumed `min_credits`.
func (f *FlowControl) adjustCredit(ctx context.Context, msg *stack.Message) {
	length := int64(msg.Length())
	if length == 0 {
		return
	}
	if msg.Src.IsMulticast() {
		f.logger.Error("received a message without source", "msg", msg)
		return
	}

	f.lk.Lock()
	remaining := f.ledger.decrementReceived(msg.Src, length)
	owed := f.cfg.maxCredits - remaining
	replenish := owed >= f.cfg.minCredits
	if replenish {
		f.ledger.resetReceived(msg.Src)
		delete(f.ledger.pending, msg.Src)
	}
	f.lk.Unlock()

	if replenish {
		f.logger.Debug("sending replenishment", LabelPeer.L(msg.Src), "credit", owed)
		f.sendCredit(ctx, msg.Src, owed)
	}
}

func (f *FlowControl) handleCredit(sender stack.Address, amount int64) {
	f.lk.Lock()
	defer f.lk.Unlock()

	f.stats.creditResponsesReceived++
	f.msink.IncrCounterWithLabels(MetricFCCreditResponsesInCount, 1, f.labels)

	if amount <= 0 {
		f.logger.Warn("ignoring replenishment without credit", LabelPeer.L(sender), "credit", amount)
		return
	}

	added, excess, ok := f.ledger.grantSentCredit(sender, amount)
	if !ok {
		f.logger.Debug("ignoring credit from a member not in the view", LabelPeer.L(sender), "credit", amount)
		return
	}
	if excess > 0 {
		f.logger.Debug("ignored over-credit", LabelPeer.L(sender), "credit", added, "excess", excess)
	} else {
		f.logger.Debug("received credit", LabelPeer.L(sender), "credit", added)
	}

	f.ledger.refreshLowest()
	f.ledger.removeCreditor(sender)
	f.maybeFlowingLocked()
	if f.waiters > 0 {
		f.broadcastLocked()
	}
}

func (f *FlowControl) handleCreditRequest(ctx context.Context, sender stack.Address, balance int64) {
	var response int64

	f.lk.Lock()
	f.stats.creditRequestsReceived++
	f.msink.IncrCounterWithLabels(MetricFCCreditRequestsInCount, 1, f.labels)

	owed, known := f.ledger.owed(sender)
	_, starved := f.ledger.pending[sender]
	switch {
	case !known:
		response = f.cfg.maxCredits
		f.logger.Debug("credit request from a member we never received from",
			LabelPeer.L(sender), "credit", response)
	case owed > 0:
		response = owed
		f.logger.Debug("credit request", LabelPeer.L(sender), "credit", response)
	case starved:
		// The requester may have gone negative, do not grant more than
		// a full window.
		response = f.cfg.maxCredits - max(balance, 0)
		f.logger.Warn("received two credit requests without any intervening message",
			LabelPeer.L(sender), "balance", balance, "credit", response)
	default:
		f.ledger.pending[sender] = struct{}{}
		f.logger.Debug("credit request but no credit available", LabelPeer.L(sender), "balance", balance)
	}
	if response > 0 {
		// Strangers are answered but not tracked, the next view adds
		// them if they are members.
		if known {
			f.ledger.resetReceived(sender)
		}
		delete(f.ledger.pending, sender)
	}
	f.lk.Unlock()

	if response > 0 {
		f.sendCredit(ctx, sender, response)
	}
}

// sendCredit sends a REPLENISH. It must be called without `f.lk` held.
func (f *FlowControl) sendCredit(ctx context.Context, dest stack.Address, credit int64) {
	if !f.sendControl(ctx, dest, header{typ: typeReplenish, amount: credit}) {
		return
	}
	f.lk.Lock()
	f.stats.creditResponsesSent++
	f.lk.Unlock()
	f.msink.IncrCounterWithLabels(MetricFCCreditResponsesOutCount, 1, f.labels)
}

// sendCreditRequest sends a CREDIT_REQUEST. It must be called without
// `f.lk` held.
func (f *FlowControl) sendCreditRequest(ctx context.Context, dest stack.Address, balance int64) {
	f.logger.Debug("sending credit request", LabelPeer.L(dest), "balance", balance)
	if !f.sendControl(ctx, dest, header{typ: typeCreditRequest, amount: balance}) {
		return
	}
	f.lk.Lock()
	f.stats.creditRequestsSent++
	f.lk.Unlock()
	f.msink.IncrCounterWithLabels(MetricFCCreditRequestsOutCount, 1, f.labels)
}

func (f *FlowControl) sendControl(ctx context.Context, dest stack.Address, hdr header) bool {
	msg := stack.NewMessage(dest, nil)
	msg.PutHeader(ProtocolName, hdr.marshal())
	if err := f.PassDown(ctx, stack.MsgEvent(msg)); err != nil {
		f.logger.Error("could not send control message",
			LabelPeer.L(dest),
			LabelHeaderType.L(hdr.typ.String()),
			LabelError.L(err),
		)
		f.msink.IncrCounterWithLabels(MetricFCControlOutErrorCount, 1,
			slices.Concat(f.labels, []metrics.Label{LabelHeaderType.M(hdr.typ.String())}))
		return false
	}
	return true
}
