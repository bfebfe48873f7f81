package stack

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a message, using the protobuf wire format so that frames
// remain forward compatible: unknown fields are skipped.
const (
	fieldDest    protowire.Number = 1
	fieldSrc     protowire.Number = 2
	fieldHeader  protowire.Number = 3
	fieldPayload protowire.Number = 4

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Marshal encodes msg into a frame.
func Marshal(msg *Message) []byte {
	var buf []byte
	if !msg.Dest.IsMulticast() {
		buf = protowire.AppendTag(buf, fieldDest, protowire.BytesType)
		buf = protowire.AppendString(buf, string(msg.Dest))
	}
	if !msg.Src.IsMulticast() {
		buf = protowire.AppendTag(buf, fieldSrc, protowire.BytesType)
		buf = protowire.AppendString(buf, string(msg.Src))
	}
	for _, name := range msg.HeaderNames() {
		var hdr []byte
		hdr = protowire.AppendTag(hdr, fieldHeaderName, protowire.BytesType)
		hdr = protowire.AppendString(hdr, name)
		hdr = protowire.AppendTag(hdr, fieldHeaderValue, protowire.BytesType)
		hdr = protowire.AppendBytes(hdr, msg.headers[name])

		buf = protowire.AppendTag(buf, fieldHeader, protowire.BytesType)
		buf = protowire.AppendBytes(buf, hdr)
	}
	if len(msg.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg.Payload)
	}
	return buf
}

// Unmarshal decodes a frame produced by `Marshal`. The returned message
// does not alias buf.
func Unmarshal(buf []byte) (*Message, error) {
	msg := &Message{}
	err := consumeFields(buf, func(num protowire.Number, val []byte) error {
		switch num {
		case fieldDest:
			msg.Dest = Address(val)
		case fieldSrc:
			msg.Src = Address(val)
		case fieldHeader:
			name, hdr, err := unmarshalHeader(val)
			if err != nil {
				return err
			}
			msg.PutHeader(name, hdr)
		case fieldPayload:
			msg.Payload = bytes.Clone(val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshalHeader(buf []byte) (name string, hdr []byte, err error) {
	hasName := false
	err = consumeFields(buf, func(num protowire.Number, val []byte) error {
		switch num {
		case fieldHeaderName:
			name = string(val)
			hasName = true
		case fieldHeaderValue:
			hdr = bytes.Clone(val)
		}
		return nil
	})
	if err == nil && !hasName {
		err = fmt.Errorf("%w: header without a protocol name", ErrMalformedFrame)
	}
	return
}

// consumeFields walks the length-delimited fields of buf, skipping the
// ones with another wire type.
func consumeFields(buf []byte, onField func(protowire.Number, []byte) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		if err := onField(num, val); err != nil {
			return err
		}
	}
	return nil
}
