package grupo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/grupo/pkg/fc"
	"github.com/raskyld/grupo/pkg/protocols"
	"github.com/raskyld/grupo/pkg/stack"
)

// Channel is a member of a group. Messages sent on a channel go through
// a stack of layers, flow control on top, before being delivered by
// memberlist to the other members.
type Channel struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	// gossip
	ml     *memberlist.Memberlist
	gossip *gossip

	// transport, nil unless QUIC is used.
	tr *Transport

	// protocol stack
	stack *stack.Stack
	fc    *fc.FlowControl

	// inbox holds the messages waiting for `Receive`. Delivery never
	// blocks, so that credit messages are not held up by the application.
	inbox *stack.Queue

	// synchronisation
	lk   sync.Mutex
	view *stack.View

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
}

// Create starts a member, alone in its group until `JoinCluster` is
// called.
func Create(opts ...Option) (*Channel, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	ch := &Channel{
		inbox:      stack.NewQueue(),
		shutdownCh: make(chan struct{}),
	}

	// Logging implementations.
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	ch.logger = slog.New(cfg.logHandler)
	cfg.mlCfg.LogOutput = nil
	cfg.mlCfg.Logger = slog.NewLogLogger(cfg.logHandler, slog.LevelDebug)

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	ch.msink = cfg.msink

	if cfg.trCfg.TlsConfig != nil {
		cfg.trCfg.BindAddr = cfg.mlCfg.BindAddr
		cfg.trCfg.BindPort = cfg.mlCfg.BindPort
		cfg.trCfg.LogHandler = cfg.logHandler
		cfg.trCfg.MetricSink = cfg.msink
		tr, err := NewTransport(cfg.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		ch.tr = tr
		cfg.mlCfg.Transport = tr
		cfg.mlCfg.UDPBufferSize = min(cfg.mlCfg.UDPBufferSize, quicPacketSize)
	}

	local := stack.Address(cfg.mlCfg.Name)
	ch.gossip = newGossip(ch.logger, ch.msink, cfg.metricLabels, local)
	cfg.mlCfg.Delegate = ch.gossip
	cfg.mlCfg.Events = ch.gossip
	ch.config = cfg

	if err := ch.buildStack(); err != nil {
		ch.releaseTransport()
		return nil, err
	}

	if err := ch.stack.Start(); err != nil {
		ch.releaseTransport()
		return nil, err
	}

	ml, err := memberlist.Create(cfg.mlCfg)
	if err != nil {
		ch.stack.Stop()
		ch.releaseTransport()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	ch.ml = ml
	ch.gossip.attach(ml)

	ch.logger.Info("channel created",
		LabelPeerName.L(local),
		LabelPeerAddr.L(ml.LocalNode().Address()),
		"layers", ch.stack.Names(),
	)
	return ch, nil
}

// buildStack wires, from the top to the bottom: flow control, the
// layers given with `WithLayers`, the view enforcer and gossip.
func (ch *Channel) buildStack() error {
	cfg := ch.config
	fcOpts := slices.Concat([]fc.Option{
		fc.WithLog(cfg.logHandler),
		fc.WithMetricSink(cfg.msink),
		fc.WithMetricLabels(cfg.metricLabels),
	}, cfg.fcOpts)

	flowControl, err := fc.New(fcOpts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	ch.fc = flowControl

	enforcer, err := protocols.NewViewEnforcer(
		protocols.WithLog(cfg.logHandler),
		protocols.WithMetricSink(cfg.msink),
		protocols.WithMetricLabels(cfg.metricLabels),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	layers := slices.Concat([]stack.Layer{ch.fc}, cfg.layers, []stack.Layer{enforcer, ch.gossip})
	ch.stack, err = stack.New(ch.logger, stack.UpperFunc(ch.up), layers...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return nil
}

func (ch *Channel) releaseTransport() {
	if ch.tr != nil {
		ch.tr.Shutdown()
	}
}

// JoinCluster contacts the neighbours given with `WithNeighbours`.
func (ch *Channel) JoinCluster() error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if ch.shutdown {
		return ErrChannelClosed
	}
	if len(ch.config.neighbours) > 0 {
		joined, err := ch.ml.Join(ch.config.neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		ch.logger.Info("cluster joined")
		if len(ch.config.neighbours) != joined {
			ch.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(ch.config.neighbours),
			)
		}
	}
	return nil
}

// Send sends payload to dest, or to every member, this one included, if
// dest is `stack.Multicast`. It blocks while flow control lacks credit,
// until ctx is done.
func (ch *Channel) Send(ctx context.Context, dest stack.Address, payload []byte) error {
	ch.lk.Lock()
	shutdown := ch.shutdown
	ch.lk.Unlock()
	if shutdown {
		return ErrChannelClosed
	}
	return ch.stack.Down(ctx, stack.MsgEvent(stack.NewMessage(dest, payload)))
}

// Receive waits for the next message.
func (ch *Channel) Receive(ctx context.Context) (*stack.Message, error) {
	for {
		select {
		case <-ch.shutdownCh:
			return nil, ErrChannelClosed
		default:
		}
		if ev, ok := ch.inbox.Pop(); ok {
			return ev.Msg, nil
		}
		select {
		case <-ch.inbox.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch.shutdownCh:
			return nil, ErrChannelClosed
		}
	}
}

func (ch *Channel) up(_ context.Context, ev stack.Event) error {
	switch ev.Type {
	case stack.EventMsg:
		if limit := ch.config.receiveBuffer; limit > 0 && ch.inbox.Len() >= limit {
			ch.logger.Debug("receive buffer full, dropping message", "msg", ev.Msg)
			ch.msink.IncrCounterWithLabels(MetricChannelMsgDroppedCount, 1.0,
				slices.Concat(ch.config.metricLabels, []metrics.Label{LabelPeerName.M(string(ev.Msg.Src))}))
			return nil
		}
		if !ch.inbox.Push(ev) {
			return ErrChannelClosed
		}
	case stack.EventViewChange:
		ch.lk.Lock()
		ch.view = ev.View
		ch.lk.Unlock()
		ch.logger.Debug("view delivered", LabelView.L(ev.View.String()))
	}
	return nil
}

// View is the last view delivered to the channel, or nil.
func (ch *Channel) View() *stack.View {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	return ch.view
}

func (ch *Channel) LocalAddress() stack.Address {
	return ch.gossip.local
}

// AdvertiseAddr is the "host:port" other members can join through.
func (ch *Channel) AdvertiseAddr() string {
	return ch.ml.LocalNode().Address()
}

// FlowControl gives access to the stats and credits of the flow control
// layer.
func (ch *Channel) FlowControl() *fc.FlowControl {
	return ch.fc
}

// Layers lists the names of the layers, from the top to the bottom.
func (ch *Channel) Layers() []string {
	return ch.stack.Names()
}

// HealthScore is the memberlist awareness score: 0 means healthy, higher
// means this member struggles to keep up with the failure detector.
func (ch *Channel) HealthScore() int {
	return ch.ml.GetHealthScore()
}

// Transport is the QUIC transport of the channel, or nil.
func (ch *Channel) Transport() *Transport {
	return ch.tr
}

// Shutdown leaves the group, releases blocked senders and frees every
// resource.
func (ch *Channel) Shutdown() error {
	// Phase 1: Shutdown notify.
	ch.lk.Lock()
	if ch.shutdown {
		ch.lk.Unlock()
		return nil
	}
	ch.shutdown = true
	close(ch.shutdownCh)
	ch.lk.Unlock()

	start := time.Now()
	ch.logger.Info("shutting down...")

	// Blocked senders are released before leaving, which may take up to
	// the leave timeout.
	ch.logger.Info("shutdown: stop protocol stack")
	ch.stack.Stop()
	ch.inbox.Close()

	ch.logger.Info("shutdown: leave cluster")
	if err := ch.ml.Leave(ch.config.leaveTimeout); err != nil {
		ch.logger.Warn("could not notify our departure", LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	ch.logger.Info("shutdown: release gossip resources")
	err := ch.ml.Shutdown()

	ch.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}
