package runtime

import "errors"

var (
	// ErrClosed is returned by operations on a runtime after Close.
	ErrClosed = errors.New("runtime closed")
	// ErrInvalidHandle is returned when a handle is out of range or its
	// slot is no longer valid. Hot-path operations do not return it; they
	// silently report zero packets instead.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrNoLcores is returned when every worker core is allocated.
	ErrNoLcores = errors.New("no available cores")
	// ErrOutOfRange is returned by buffer reads and writes whose range
	// exceeds the buffer size. No memory is touched in that case.
	ErrOutOfRange = errors.New("buffer access out of range")
	// ErrPortNotFound is returned when an interface string resolves to no
	// enumerated port.
	ErrPortNotFound = errors.New("port not found")
	// ErrDirection is returned when a task is wired to an endpoint of the
	// wrong direction (a parser needs receive, a deparser transmit).
	ErrDirection = errors.New("wrong endpoint direction")
)
