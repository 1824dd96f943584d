package frame

import "errors"

// Per-frame errors. A frame failing with one of these is dropped; the
// pipeline state is left untouched.
var (
	// ErrMalformedFrame is returned when a payload cannot be decoded into a grid.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDimensionMismatch is returned when a grid's shape matches neither the
	// declared shape nor its transpose.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)
