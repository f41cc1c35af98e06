// Package streamerr defines the error taxonomy shared by the stream readers,
// parsers, RTSP engine and rebroadcast sessions.
package streamerr

import (
	"context"
	"errors"
)

var (
	// ErrStreamEnded is returned when the underlying connection closed while a
	// read was pending or about to be issued.
	ErrStreamEnded = errors.New("stream ended")

	// ErrProtocolViolation is returned for malformed input that is fatal to the
	// current connection or sequence (bad sync byte, malformed header line,
	// invalid SDP).
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAuthFailed is returned when a server rejects credentials after the
	// single authentication retry.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrCancelled is returned when an explicit cancellation fired.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout is returned when a lifecycle timer (connect wait, idle) expired.
	ErrTimeout = errors.New("timed out")

	// ErrEnded is the clean end cause of a queue. Sequences stop on it
	// instead of surfacing it.
	ErrEnded = errors.New("ended")

	// ErrLagging is the end cause of a subscriber that fell too far behind its
	// publisher.
	ErrLagging = errors.New("subscriber lagging")
)

// IsExpected reports whether err is a lifecycle event (cancellation, clean end,
// timeout) rather than a fault. Expected errors are logged, not escalated.
func IsExpected(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrEnded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.Canceled)
}
