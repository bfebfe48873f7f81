package fc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type headerType uint8

const (
	typeReplenish     headerType = 1
	typeCreditRequest headerType = 2
)

func (t headerType) String() string {
	switch t {
	case typeReplenish:
		return "REPLENISH"
	case typeCreditRequest:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// header is attached under `ProtocolName` to control messages.
// For a REPLENISH, amount is the credit granted. For a CREDIT_REQUEST, it
// is the balance the requester has left for the recipient.
type header struct {
	typ    headerType
	amount int64
}

func (h header) marshal() []byte {
	buf := make([]byte, 1, 1+protowire.SizeVarint(protowire.EncodeZigZag(h.amount)))
	buf[0] = byte(h.typ)
	return protowire.AppendVarint(buf, protowire.EncodeZigZag(h.amount))
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) == 0 {
		return header{}, fmt.Errorf("%w: empty", ErrMalformedHeader)
	}
	h := header{typ: headerType(buf[0])}
	switch h.typ {
	case typeReplenish, typeCreditRequest:
	default:
		return h, fmt.Errorf("%w: %s", ErrUnknownHeaderType, h.typ)
	}
	v, n := protowire.ConsumeVarint(buf[1:])
	if n < 0 {
		return h, fmt.Errorf("%w: %w", ErrMalformedHeader, protowire.ParseError(n))
	}
	h.amount = protowire.DecodeZigZag(v)
	return h, nil
}
