package protocols

import "errors"

var ErrInvalidConfig = errors.New("protocols: invalid configuration")
