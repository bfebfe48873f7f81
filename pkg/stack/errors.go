package stack

import "errors"

var (
	ErrNoLayers       = errors.New("stack: at least one layer is required")
	ErrDuplicateLayer = errors.New("stack: layer names must be unique")
	ErrNoTransport    = errors.New("stack: message reached the bottom of the stack")
	ErrMalformedFrame = errors.New("stack: malformed message frame")
)
