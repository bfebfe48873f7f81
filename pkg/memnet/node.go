package memnet

import (
	"context"
	"sync"

	"github.com/raskyld/grupo/pkg/stack"
)

// Name of the `Node` layer.
const Name = "MEMNET"

// Node is the bottom layer of a member attached to a `Switch`.
//
// Inbound events are passed up from a dedicated goroutine, in the order
// the switch accepted them.
type Node struct {
	stack.Base

	sw    *Switch
	addr  stack.Address
	inbox *stack.Queue

	lk      sync.Mutex
	started bool
	closeCh chan struct{}
	doneCh  chan struct{}
}

func newNode(sw *Switch, addr stack.Address) *Node {
	return &Node{
		sw:      sw,
		addr:    addr,
		inbox:   stack.NewQueue(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (n *Node) Name() string {
	return Name
}

func (n *Node) Addr() stack.Address {
	return n.addr
}

// Start announces the local address to the layers above, then starts
// delivering inbound events.
func (n *Node) Start() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	select {
	case <-n.closeCh:
		return ErrClosed
	default:
	}
	if n.started {
		return nil
	}
	n.started = true

	if err := n.PassUp(context.Background(), stack.SetLocalAddressEvent(n.addr)); err != nil {
		n.sw.logger.Warn("local address rejected", "local", n.addr, "error", err)
	}
	go n.deliver()
	return nil
}

// Stop detaches the node from its switch. Undelivered events are
// discarded.
func (n *Node) Stop() {
	n.lk.Lock()
	select {
	case <-n.closeCh:
		n.lk.Unlock()
		return
	default:
	}
	close(n.closeCh)
	started := n.started
	n.lk.Unlock()

	n.sw.detach(n.addr)
	n.inbox.Close()
	if started {
		<-n.doneCh
	}
}

// Down sends messages through the switch, stamped with the address of
// the node. Other events have no meaning on the switch.
func (n *Node) Down(_ context.Context, ev stack.Event) error {
	if ev.Type != stack.EventMsg {
		return nil
	}
	select {
	case <-n.closeCh:
		return ErrClosed
	default:
	}
	ev.Msg.Src = n.addr
	return n.sw.route(n.addr, ev.Msg.Dest, stack.Marshal(ev.Msg))
}

func (n *Node) Up(ctx context.Context, ev stack.Event) error {
	return n.PassUp(ctx, ev)
}

func (n *Node) deliver() {
	defer close(n.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-n.closeCh:
			return
		case <-n.inbox.Ready():
		}
		for _, ev := range n.inbox.Drain() {
			select {
			case <-n.closeCh:
				return
			default:
			}
			if err := n.PassUp(ctx, ev); err != nil {
				n.sw.logger.Debug("event rejected", "local", n.addr, "event", ev, "error", err)
			}
		}
	}
}
