package memnet

import "errors"

var (
	ErrAddressInUse       = errors.New("memnet: address already in use")
	ErrInvalidAddress     = errors.New("memnet: a node needs a unicast address")
	ErrUnknownDestination = errors.New("memnet: unknown destination")
	ErrClosed             = errors.New("memnet: node closed")
)
