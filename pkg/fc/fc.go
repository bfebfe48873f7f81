package fc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/grupo/pkg/stack"
)

// ProtocolName is the name of the layer, and the key of its headers.
const ProtocolName = "FC"

// FlowControl is a credit based flow control layer.
//
// Each member starts with `max_credits` bytes of credit towards every other
// member of the view. Sending a message consumes credit, and receivers
// give it back with REPLENISH messages once a member consumed at least
// `min_credits`. A sender that runs out of credit blocks in `Down` until
// credit comes back, the starved members leave the view, or the layer
// stops. After `max_block_time`, a blocked sender asks its creditors for
// credit with a CREDIT_REQUEST.
type FlowControl struct {
	stack.Base

	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk sync.Mutex
	// wakeCh is closed and replaced to wake every blocked sender.
	wakeCh     chan struct{}
	running    bool
	blocked    bool
	blockStart time.Time
	waiters    int
	ledger     *ledger
	local      stack.Address
	view       *stack.View
	stats      stats
}

// New creates a `FlowControl` layer. It must be part of a `stack.Stack`
// and started before use.
func New(opts ...Option) (*FlowControl, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	return &FlowControl{
		cfg:    cfg,
		logger: slog.New(cfg.logHandler).With("protocol", ProtocolName),
		msink:  cfg.msink,
		labels: cfg.metricLabels,
		wakeCh: make(chan struct{}),
		ledger: newLedger(cfg.maxCredits),
		stats:  newStats(),
	}, nil
}

func (f *FlowControl) Name() string {
	return ProtocolName
}

func (f *FlowControl) Start() error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.running = true
	f.logger.Debug("flow control started",
		"max_credits", f.cfg.maxCredits,
		"min_credits", f.cfg.minCredits,
		"max_block_time", f.cfg.maxBlockTime,
		"ignore_synchronous_response", f.cfg.ignoreSyncResponse,
	)
	return nil
}

// Stop releases every blocked sender, which fail with `ErrStopped`.
func (f *FlowControl) Stop() {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.running = false
	f.blocked = false
	f.ledger.clearCreditors()
	f.broadcastLocked()
}

// Down consumes credit for messages, blocking the caller if needed.
func (f *FlowControl) Down(ctx context.Context, ev stack.Event) error {
	switch ev.Type {
	case stack.EventMsg:
		if err := f.handleDownMessage(ctx, ev.Msg); err != nil {
			return err
		}
	case stack.EventViewChange:
		f.handleViewChange(ev.View)
	case stack.EventSetLocalAddress:
		f.setLocalAddress(ev.Addr)
	}
	return f.PassDown(ctx, ev)
}

// Up consumes the control messages of the layer and accounts the other
// messages, replenishing their sender when needed.
func (f *FlowControl) Up(ctx context.Context, ev stack.Event) error {
	switch ev.Type {
	case stack.EventMsg:
		if raw, ok := ev.Msg.RemoveHeader(ProtocolName); ok {
			f.handleControl(ctx, ev.Msg.Src, raw)
			return nil
		}
		f.adjustCredit(ctx, ev.Msg)
		if f.cfg.ignoreSyncResponse {
			ctx = stack.WithReentrant(ctx)
		}
	case stack.EventViewChange:
		f.handleViewChange(ev.View)
	case stack.EventSetLocalAddress:
		f.setLocalAddress(ev.Addr)
	}
	return f.PassUp(ctx, ev)
}

func (f *FlowControl) handleDownMessage(ctx context.Context, msg *stack.Message) error {
	length := int64(msg.Length())

	f.lk.Lock()
	defer f.lk.Unlock()

	if !f.running {
		return ErrStopped
	}
	if length == 0 {
		return nil
	}

	if f.ledger.lowest <= length {
		if f.bypass(ctx) {
			f.logger.Debug("sending without blocking from a synchronous response",
				"dest", msg.Dest, "length", length)
		} else if err := f.waitForCredit(ctx, msg.Dest, length); err != nil {
			return err
		}
	}

	if remaining, ok := f.ledger.decrementSent(msg.Dest, length); ok {
		f.ledger.lowest = min(f.ledger.lowest, remaining)
	}
	return nil
}

func (f *FlowControl) bypass(ctx context.Context) bool {
	return f.cfg.ignoreSyncResponse && stack.IsReentrant(ctx)
}

func (f *FlowControl) setLocalAddress(addr stack.Address) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.local = addr
	f.logger.Debug("local address set", "local", addr)
}

// Unblock lets every blocked sender proceed by refilling the credit of
// all members. It gives up and returns false if the layer is busy.
func (f *FlowControl) Unblock() bool {
	if !f.lk.TryLock() {
		f.logger.Warn("could not unblock senders: flow control is busy")
		return false
	}
	defer f.lk.Unlock()

	f.logger.Info("unblocking senders and replenishing all members",
		"creditors", len(f.ledger.creditors))
	f.ledger.refillSent()
	f.ledger.clearCreditors()
	f.blocked = false
	f.broadcastLocked()
	return true
}

// View is the last view seen by the layer, or nil.
func (f *FlowControl) View() *stack.View {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.view
}
