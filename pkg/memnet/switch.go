package memnet

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/raskyld/grupo/pkg/stack"
)

type link struct {
	from, to stack.Address
}

// Switch routes messages between the nodes attached to it, and installs
// views on them. Events reach each node in the order the switch
// accepted them.
type Switch struct {
	logger *slog.Logger

	lk    sync.RWMutex
	nodes map[stack.Address]*Node
	view  *stack.View
	seq   uint64
	cut   map[link]struct{}
}

// NewSwitch creates an empty switch. A nil handler uses `slog.Default`.
func NewSwitch(handler slog.Handler) *Switch {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &Switch{
		logger: slog.New(handler).With("component", "memnet"),
		nodes:  make(map[stack.Address]*Node),
		cut:    make(map[link]struct{}),
	}
}

// Attach creates the bottom layer of the member addr. The node receives
// traffic once started.
func (s *Switch) Attach(addr stack.Address) (*Node, error) {
	if addr.IsMulticast() {
		return nil, ErrInvalidAddress
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if _, exists := s.nodes[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	node := newNode(s, addr)
	s.nodes[addr] = node
	return node, nil
}

func (s *Switch) detach(addr stack.Address) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.nodes, addr)
}

// InstallView makes members the new view, the first one being the
// coordinator, and delivers it to every attached member.
func (s *Switch) InstallView(members ...stack.Address) *stack.View {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.seq++
	view := stack.NewView(stack.ViewID{Seq: s.seq}, members)
	s.view = view
	for _, mbr := range view.Members() {
		if node, ok := s.nodes[mbr]; ok {
			node.inbox.Push(stack.ViewChangeEvent(view))
		}
	}
	s.logger.Debug("view installed", "view", view.String())
	return view
}

// View is the last installed view, or nil.
func (s *Switch) View() *stack.View {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return s.view
}

// Partition silently drops the traffic between a and b, in both
// directions.
func (s *Switch) Partition(a, b stack.Address) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.cut[link{a, b}] = struct{}{}
	s.cut[link{b, a}] = struct{}{}
}

// Heal restores the traffic between a and b.
func (s *Switch) Heal(a, b stack.Address) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.cut, link{a, b})
	delete(s.cut, link{b, a})
}

// route delivers frame to dest, or to every member of the view (or every
// attached node without a view) if dest is multicast.
func (s *Switch) route(from, dest stack.Address, frame []byte) error {
	s.lk.RLock()
	defer s.lk.RUnlock()

	if !dest.IsMulticast() {
		node, ok := s.nodes[dest]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
		}
		return s.deliverLocked(from, node, frame)
	}

	var targets []stack.Address
	if s.view != nil {
		targets = s.view.Members()
	} else {
		for addr := range s.nodes {
			targets = append(targets, addr)
		}
	}
	for _, addr := range targets {
		node, ok := s.nodes[addr]
		if !ok {
			continue
		}
		if err := s.deliverLocked(from, node, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Switch) deliverLocked(from stack.Address, node *Node, frame []byte) error {
	if _, lost := s.cut[link{from, node.addr}]; lost {
		s.logger.Debug("frame lost in partition", "from", from, "to", node.addr)
		return nil
	}
	msg, err := stack.Unmarshal(frame)
	if err != nil {
		return err
	}
	if !node.inbox.Push(stack.MsgEvent(msg)) {
		s.logger.Debug("frame dropped by closed node", "from", from, "to", node.addr)
	}
	return nil
}
