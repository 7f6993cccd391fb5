package errorutil

import "errors"

// ErrStackConsistency is reported when a call exits while it is not the
// innermost open call of its execution context.
var ErrStackConsistency = errors.New("call stack consistency fault")

// ErrInvalidTopK is returned when a top-k value is neither a positive integer
// nor "all".
var ErrInvalidTopK = errors.New("invalid top-k")

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")
