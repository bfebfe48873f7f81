package grupo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/grupo/pkg/stack"
)

// GossipName is the name of the bottom layer of a `Channel`.
const GossipName = "GOSSIP"

// gossip is the bottom layer of a `Channel`. It sends messages with
// memberlist reliable messages, and turns memberlist notifications into
// inbound events: messages and views, delivered in the order memberlist
// reported them, from a single goroutine.
type gossip struct {
	stack.Base

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	local  stack.Address
	inbox  *stack.Queue

	lk      sync.Mutex
	ml      *memberlist.Memberlist
	members []stack.Address
	seq     uint64
	started bool
	closeCh chan struct{}
	doneCh  chan struct{}
}

func newGossip(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label, local stack.Address) *gossip {
	return &gossip{
		logger:  logger.With("protocol", GossipName),
		msink:   msink,
		labels:  labels,
		local:   local,
		inbox:   stack.NewQueue(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (g *gossip) Name() string {
	return GossipName
}

// Start announces the local address to the layers above, then starts
// delivering inbound events.
func (g *gossip) Start() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	select {
	case <-g.closeCh:
		return ErrChannelClosed
	default:
	}
	if g.started {
		return nil
	}
	g.started = true

	if err := g.PassUp(context.Background(), stack.SetLocalAddressEvent(g.local)); err != nil {
		g.logger.Warn("local address rejected", LabelError.L(err))
	}
	go g.deliver()
	return nil
}

// Stop discards undelivered events and waits for the delivery goroutine.
func (g *gossip) Stop() {
	g.lk.Lock()
	select {
	case <-g.closeCh:
		g.lk.Unlock()
		return
	default:
	}
	close(g.closeCh)
	started := g.started
	g.lk.Unlock()

	g.inbox.Close()
	if started {
		<-g.doneCh
	}
}

func (g *gossip) attach(ml *memberlist.Memberlist) {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.ml = ml
}

// Down sends messages to their destination, or to every member of the
// current view, local member included. Other events have no meaning for
// memberlist.
func (g *gossip) Down(_ context.Context, ev stack.Event) error {
	if ev.Type != stack.EventMsg {
		return nil
	}

	g.lk.Lock()
	select {
	case <-g.closeCh:
		g.lk.Unlock()
		return ErrChannelClosed
	default:
	}
	ml := g.ml
	members := g.members
	g.lk.Unlock()
	if ml == nil {
		return ErrNotConnected
	}

	ev.Msg.Src = g.local
	frame := stack.Marshal(ev.Msg)

	if !ev.Msg.Dest.IsMulticast() {
		return g.send(ml, ev.Msg.Dest, frame)
	}

	var merr *multierror.Error
	for _, mbr := range members {
		if err := g.send(ml, mbr, frame); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (g *gossip) send(ml *memberlist.Memberlist, dest stack.Address, frame []byte) error {
	labels := slices.Concat(g.labels, []metrics.Label{LabelPeerName.M(string(dest))})

	if dest == g.local {
		g.receive(frame)
		g.msink.IncrCounterWithLabels(MetricChannelMsgOutBytes, float32(len(frame)), labels)
		return nil
	}

	node := g.lookup(ml, dest)
	if node == nil {
		g.msink.IncrCounterWithLabels(MetricChannelMsgOutErrorCount, 1.0,
			slices.Concat(labels, []metrics.Label{LabelError.M("unknown_member")}))
		return fmt.Errorf("%w: %s", ErrUnknownMember, dest)
	}

	if err := ml.SendReliable(node, frame); err != nil {
		g.msink.IncrCounterWithLabels(MetricChannelMsgOutErrorCount, 1.0,
			slices.Concat(labels, []metrics.Label{LabelError.M("send")}))
		return fmt.Errorf("sending to %s: %w", dest, err)
	}
	g.msink.IncrCounterWithLabels(MetricChannelMsgOutBytes, float32(len(frame)), labels)
	return nil
}

func (g *gossip) lookup(ml *memberlist.Memberlist, dest stack.Address) *memberlist.Node {
	for _, node := range ml.Members() {
		if node.Name == string(dest) {
			return node
		}
	}
	return nil
}

func (g *gossip) Up(ctx context.Context, ev stack.Event) error {
	return g.PassUp(ctx, ev)
}

// receive queues a frame for delivery.
func (g *gossip) receive(frame []byte) {
	msg, err := stack.Unmarshal(frame)
	if err != nil {
		g.logger.Warn("dropping invalid frame", LabelError.L(fmt.Errorf("%w: %w", ErrInvalidFrame, err)))
		g.msink.IncrCounterWithLabels(MetricChannelMsgInErrorCount, 1.0,
			slices.Concat(g.labels, []metrics.Label{LabelError.M("invalid_frame")}))
		return
	}
	g.msink.IncrCounterWithLabels(MetricChannelMsgInCount, 1.0,
		slices.Concat(g.labels, []metrics.Label{LabelPeerName.M(string(msg.Src))}))
	g.inbox.Push(stack.MsgEvent(msg))
}

// installLocked queues a view made of the current members.
func (g *gossip) installLocked() {
	g.seq++
	view := stack.NewView(stack.ViewID{Seq: g.seq}, g.members)
	g.logger.Info("installing view", LabelView.L(view.String()))
	g.msink.IncrCounterWithLabels(MetricChannelViewChanges, 1.0, g.labels)
	g.msink.SetGaugeWithLabels(MetricChannelViewSize, float32(view.Size()), g.labels)
	g.inbox.Push(stack.ViewChangeEvent(view))
}

func (g *gossip) deliver() {
	defer close(g.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-g.closeCh:
			return
		case <-g.inbox.Ready():
		}
		for _, ev := range g.inbox.Drain() {
			select {
			case <-g.closeCh:
				return
			default:
			}
			if err := g.PassUp(ctx, ev); err != nil {
				g.logger.Debug("event rejected", "event", ev, LabelError.L(err))
			}
		}
	}
}

// NotifyJoin appends the node to the members, so that the oldest member
// known locally is the coordinator.
func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.lk.Lock()
	defer g.lk.Unlock()
	mbr := stack.Address(node.Name)
	if slices.Contains(g.members, mbr) {
		return
	}
	g.members = append(slices.Clone(g.members), mbr)
	g.installLocked()
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.lk.Lock()
	defer g.lk.Unlock()
	mbr := stack.Address(node.Name)
	idx := slices.Index(g.members, mbr)
	if idx < 0 {
		return
	}
	g.members = slices.Delete(slices.Clone(g.members), idx, idx+1)
	g.installLocked()
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

func (g *gossip) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg is called by memberlist for every user message, which are
// the frames sent by `Down`.
func (g *gossip) NotifyMsg(buf []byte) {
	g.receive(buf)
}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (g *gossip) LocalState(join bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {}
