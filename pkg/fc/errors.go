package fc

import "errors"

var (
	ErrStopped           = errors.New("fc: flow control is not running")
	ErrInvalidConfig     = errors.New("fc: invalid configuration")
	ErrMalformedHeader   = errors.New("fc: malformed header")
	ErrUnknownHeaderType = errors.New("fc: unknown header type")
)
