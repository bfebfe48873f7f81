package fc

import (
	"context"
	"time"

	"github.com/raskyld/grupo/pkg/stack"
)

// waitForCredit blocks until every member dest resolves to has more than
// length credit. It must be called with `f.lk` held, and returns with it
// held. The lock is released while waiting and while sending credit
// requests.
func (f *FlowControl) waitForCredit(ctx context.Context, dest stack.Address, length int64) error {
	creditors := f.ledger.determineCreditors(dest, length)
	if len(creditors) == 0 {
		return nil
	}

	start := time.Now()
	if !f.blocked {
		f.blocked = true
		f.blockStart = start
		f.logger.Debug("starting to block",
			"lowest_credit", f.ledger.lowest,
			"length", length,
			"creditors", creditors,
		)
	}
	f.waiters++
	f.stats.numBlockings++
	f.msink.IncrCounterWithLabels(MetricFCBlockingsCount, 1, f.labels)

	defer func() {
		elapsed := time.Since(start)
		f.stats.recordBlocking(elapsed)
		f.msink.AddSampleWithLabels(MetricFCBlockingMillis, float32(elapsed.Milliseconds()), f.labels)
		f.waiters--
		if f.waiters == 0 {
			f.ledger.clearCreditors()
			f.blocked = false
		}
	}()

	for {
		wake := f.wakeCh
		var timer *time.Timer
		var timeout <-chan time.Time
		if f.cfg.maxBlockTime > 0 {
			timer = time.NewTimer(f.cfg.maxBlockTime)
			timeout = timer.C
		}

		f.lk.Unlock()
		select {
		case <-wake:
		case <-timeout:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		f.lk.Lock()

		if !f.running {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Creditors may have been removed by a grant that was not enough
		// for this message, or by a view change.
		creditors = f.ledger.determineCreditors(dest, length)
		if len(creditors) == 0 {
			f.logger.Debug("enough credit to proceed", "blocked_for", time.Since(start))
			return nil
		}
		if !f.blocked {
			f.blocked = true
			f.blockStart = time.Now()
		}

		if f.cfg.maxBlockTime <= 0 || time.Since(start) < f.cfg.maxBlockTime {
			continue
		}

		requests := f.ledger.creditRequests(creditors, time.Now(), f.cfg.maxBlockTime)
		if len(requests) == 0 {
			continue
		}
		f.lk.Unlock()
		for mbr, balance := range requests {
			f.sendCreditRequest(ctx, mbr, balance)
		}
		f.lk.Lock()

		if !f.running {
			return ErrStopped
		}
	}
}

// broadcastLocked wakes every blocked sender. `f.lk` must be held.
func (f *FlowControl) broadcastLocked() {
	close(f.wakeCh)
	f.wakeCh = make(chan struct{})
}

// maybeFlowingLocked leaves the blocked state once no creditor is left and
// every member has some credit.
func (f *FlowControl) maybeFlowingLocked() {
	if !f.blocked || len(f.ledger.creditors) > 0 || f.ledger.lowest <= 0 {
		return
	}
	f.blocked = false
	f.logger.Debug("credit available, unblocking senders",
		"blocked_for", time.Since(f.blockStart))
	f.msink.IncrCounterWithLabels(MetricFCUnblockCount, 1, f.labels)
}
