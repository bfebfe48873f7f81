package grupo

import (
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

type streamMode uint64

const (
	streamModeUnspecified streamMode = iota
	// streamModeGossip streams carry memberlist push/pull and reliable
	// messages.
	streamModeGossip
)

func (m streamMode) String() string {
	switch m {
	case streamModeGossip:
		return "gossip"
	default:
		return "unspecified"
	}
}

const fieldInitMode protowire.Number = 1

// maxInitFrameSize bounds the init frame so a single length byte
// prefixes it.
const maxInitFrameSize = 255

// appendInitFrame encodes the first frame of a stream: a length byte
// followed by protobuf wire fields.
func appendInitFrame(buf []byte, mode streamMode) []byte {
	var frame []byte
	frame = protowire.AppendTag(frame, fieldInitMode, protowire.VarintType)
	frame = protowire.AppendVarint(frame, uint64(mode))
	buf = append(buf, byte(len(frame)))
	return append(buf, frame...)
}

// readInitFrame reads the first frame of a stream and returns its mode.
func readInitFrame(r io.Reader) (streamMode, error) {
	var size [1]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return streamModeUnspecified, err
	}
	frame := make([]byte, size[0])
	if _, err := io.ReadFull(r, frame); err != nil {
		return streamModeUnspecified, err
	}

	mode := streamModeUnspecified
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return streamModeUnspecified, ErrProtocolViolation
		}
		frame = frame[n:]
		if num == fieldInitMode && typ == protowire.VarintType {
			val, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return streamModeUnspecified, ErrProtocolViolation
			}
			mode = streamMode(val)
			frame = frame[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, frame)
		if n < 0 {
			return streamModeUnspecified, ErrProtocolViolation
		}
		frame = frame[n:]
	}
	return mode, nil
}

// streamWrapper exposes a `quic.Stream` as the `net.Conn` memberlist
// expects.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

// Close closes both directions of the stream.
func (gs *streamWrapper) Close() error {
	gs.CancelRead(0)
	return gs.Stream.Close()
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}
