package stack

import (
	"context"
	"log/slog"
)

type EventType uint8

const (
	EventMsg EventType = iota + 1
	EventViewChange
	EventSuspect
	EventSetLocalAddress
)

func (t EventType) String() string {
	switch t {
	case EventMsg:
		return "MSG"
	case EventViewChange:
		return "VIEW_CHANGE"
	case EventSuspect:
		return "SUSPECT"
	case EventSetLocalAddress:
		return "SET_LOCAL_ADDRESS"
	default:
		return "UNKNOWN"
	}
}

// Event travels through the layers of a `Stack`. Only the field matching
// its `Type` is set.
type Event struct {
	Type EventType
	Msg  *Message
	View *View
	Addr Address
}

func MsgEvent(msg *Message) Event {
	return Event{Type: EventMsg, Msg: msg}
}

func ViewChangeEvent(view *View) Event {
	return Event{Type: EventViewChange, View: view}
}

func SuspectEvent(mbr Address) Event {
	return Event{Type: EventSuspect, Addr: mbr}
}

func SetLocalAddressEvent(local Address) Event {
	return Event{Type: EventSetLocalAddress, Addr: local}
}

func (ev Event) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", ev.Type.String())}
	switch ev.Type {
	case EventMsg:
		if ev.Msg != nil {
			attrs = append(attrs, slog.Any("msg", ev.Msg))
		}
	case EventViewChange:
		if ev.View != nil {
			attrs = append(attrs, slog.String("view", ev.View.String()))
		}
	default:
		attrs = append(attrs, slog.String("addr", ev.Addr.String()))
	}
	return slog.GroupValue(attrs...)
}

type reentrantKey struct{}

// WithReentrant marks ctx as belonging to an up-call: a layer delivering a
// message upward passes it so that a synchronous reply sent down with the
// same ctx is recognised as such.
func WithReentrant(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentrantKey{}, true)
}

// IsReentrant reports whether ctx was produced by `WithReentrant`.
func IsReentrant(ctx context.Context) bool {
	reentrant, _ := ctx.Value(reentrantKey{}).(bool)
	return reentrant
}
