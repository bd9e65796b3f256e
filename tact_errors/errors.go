// Provides common tact errors definitions.
package tact_errors

import "errors"

var (
	ErrNotFound    = errors.New("tact: key not found")
	ErrCorrupt     = errors.New("tact: corrupt data")
	ErrTransport   = errors.New("tact: transport failure")
	ErrUnsupported = errors.New("tact: unsupported encoding")
	ErrMissingKey  = errors.New("tact: missing encryption key")
	ErrCancelled   = errors.New("tact: request cancelled")
	ErrInvariant   = errors.New("tact: internal invariant violated")
)
