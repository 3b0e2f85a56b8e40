package adb

import "errors"

// Errors returned by the application-facing API. All are synchronous
// results; nothing is queued or retried on the caller's behalf.
var (
	// ErrDestTooLong indicates a destination string exceeding the
	// configured maximum (including its trailing NUL on the wire).
	ErrDestTooLong = errors.New("destination string too long")

	// ErrTableFull indicates no unused connection slot is available.
	ErrTableFull = errors.New("no free connection slot")

	// ErrStaleHandle indicates a handle whose slot has since been
	// released and possibly reused for another connection.
	ErrStaleHandle = errors.New("stale connection handle")

	// ErrNotConnected indicates the device-level link is not up.
	ErrNotConnected = errors.New("device not connected")

	// ErrNotOpen indicates the connection is not in the open state.
	ErrNotOpen = errors.New("connection not open")
)
