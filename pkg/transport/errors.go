package transport

import "errors"

var (
	// ErrTransportClosed is returned to pending waiters when the channel
	// dies, whether by Close or by the child exiting on its own.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotConnected is returned when a send is attempted before Connect.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTimeout is returned when a request deadline expires before the
	// correlated response arrives.
	ErrTimeout = errors.New("request timed out")

	// ErrLineTooLong is returned when a stdout line exceeds the configured
	// read bound. The connection is failed: a partial frame cannot be
	// resynchronized.
	ErrLineTooLong = errors.New("stdout line exceeds read limit")
)
