package data

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleView marks a message or vector tagged with an outdated view.
	ErrStaleView = errors.New("stale view")
	// ErrDimensionMismatch is a StaleView symptom: two vectors disagree on
	// the member count.
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", ErrStaleView)
	// ErrInvalidViewEncoding is returned when roster bytes cannot be decoded.
	ErrInvalidViewEncoding = errors.New("invalid view encoding")
)
