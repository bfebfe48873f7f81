package stack

import (
	"bytes"
	"log/slog"
	"maps"
	"slices"
)

// Message is the unit of data carried by `EventMsg` events.
//
// Protocols attach their own state as headers keyed by the protocol
// name. Headers are opaque bytes and do not count in `Length`.
type Message struct {
	Dest    Address
	Src     Address
	Payload []byte

	headers map[string][]byte
}

func NewMessage(dest Address, payload []byte) *Message {
	return &Message{
		Dest:    dest,
		Payload: payload,
	}
}

// Length is the number of payload bytes, which is what flow control
// accounts for.
func (m *Message) Length() int {
	return len(m.Payload)
}

func (m *Message) PutHeader(protocol string, hdr []byte) {
	if m.headers == nil {
		m.headers = make(map[string][]byte, 1)
	}
	m.headers[protocol] = hdr
}

func (m *Message) Header(protocol string) ([]byte, bool) {
	hdr, ok := m.headers[protocol]
	return hdr, ok
}

func (m *Message) RemoveHeader(protocol string) ([]byte, bool) {
	hdr, ok := m.headers[protocol]
	if ok {
		delete(m.headers, protocol)
	}
	return hdr, ok
}

// HeaderNames returns the protocol names of the attached headers, sorted.
func (m *Message) HeaderNames() []string {
	return slices.Sorted(maps.Keys(m.headers))
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	cp := &Message{
		Dest:    m.Dest,
		Src:     m.Src,
		Payload: bytes.Clone(m.Payload),
	}
	if len(m.headers) > 0 {
		cp.headers = make(map[string][]byte, len(m.headers))
		for name, hdr := range m.headers {
			cp.headers[name] = bytes.Clone(hdr)
		}
	}
	return cp
}

func (m *Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("dest", m.Dest.String()),
		slog.String("src", m.Src.String()),
		slog.Int("length", m.Length()),
		slog.Any("headers", m.HeaderNames()),
	)
}
