package stack

import "context"

// Upper receives events travelling up, from the layer below.
type Upper interface {
	Up(ctx context.Context, ev Event) error
}

// Lower receives events travelling down, from the layer above.
type Lower interface {
	Down(ctx context.Context, ev Event) error
}

type UpperFunc func(ctx context.Context, ev Event) error

func (f UpperFunc) Up(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type LowerFunc func(ctx context.Context, ev Event) error

func (f LowerFunc) Down(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Layer is a bidirectional filter of a `Stack`.
//
// The contract is strict call/return:
//
// * `Up` and `Down` either forward the event to a neighbour or consume it,
// and return once done. There is no implicit queuing.
// * `Down` MAY block the caller (flow control relies on it), and callers
// MUST NOT assume `Up` never blocks either.
// * Side effects stay confined to the layer and whatever it forwards to.
type Layer interface {
	Upper
	Lower

	// Name is unique within a stack. It is also the key under which the
	// layer stores its message headers.
	Name() string

	// Init is called once by the `Stack` before `Start`.
	Init(above Upper, below Lower)
}

// Starter is implemented by layers needing to allocate resources when
// the stack starts.
type Starter interface {
	Start() error
}

// Stopper is implemented by layers needing to release resources,
// or blocked callers, when the stack stops.
type Stopper interface {
	Stop()
}

// Base can be embedded by layers to get their neighbours wired.
type Base struct {
	above Upper
	below Lower
}

func (b *Base) Init(above Upper, below Lower) {
	b.above = above
	b.below = below
}

func (b *Base) PassUp(ctx context.Context, ev Event) error {
	if b.above == nil {
		return nil
	}
	return b.above.Up(ctx, ev)
}

func (b *Base) PassDown(ctx context.Context, ev Event) error {
	if b.below == nil {
		return ErrNoTransport
	}
	return b.below.Down(ctx, ev)
}
