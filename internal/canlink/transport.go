// Package canlink implements the frame transport layer: opening and
// closing the underlying CAN bus, queuing outbound frames, delivering
// inbound frames, and surviving transient I/O errors by reconnecting
// with exponential backoff.
package canlink

import (
	"context"
	"errors"
	"time"

	"github.com/mingda/feedercabinet/internal/canframe"
)

// ErrTransportDown is returned by Send when the underlying link is not
// Up. The protocol engine decides per-operation whether to queue,
// drop, or retry.
var ErrTransportDown = errors.New("canlink: transport down")

// Transport is the raw frame-level abstraction over a physical CAN
// bus. Implementations (SocketCAN, SLCAN-over-serial) differ only in
// how bytes reach the wire; both speak whole canframe.Frame values.
type Transport interface {
	// Open establishes the underlying connection. It blocks until
	// the connection is ready or ctx is done.
	Open(ctx context.Context) error

	// Close tears down the underlying connection. Safe to call more
	// than once.
	Close() error

	// Send transmits a single frame. Returns ErrTransportDown if the
	// transport is not currently open.
	Send(f canframe.Frame) error

	// Recv returns the channel of inbound frames. The channel is
	// closed when the transport is closed or encounters a fatal I/O
	// error; callers should then inspect Err().
	Recv() <-chan canframe.Frame

	// Err returns the channel of transport-level errors that caused
	// Recv's channel to close. Receives at most one value.
	Err() <-chan error
}

// Config holds the settings shared by every Transport implementation.
type Config struct {
	// Interface names the underlying device: a SocketCAN interface
	// name (e.g. "can0") or, for the SLCAN backend, a serial device
	// path (e.g. "/dev/ttyACM0").
	Interface string
	Bitrate   int
}

// BackoffPolicy describes the reconnect backoff schedule.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is the standard reconnect schedule.
var DefaultBackoff = BackoffPolicy{Initial: time.Second, Max: 30 * time.Second}

// Next returns the backoff duration to wait after the n-th consecutive
// failure (n starting at 1), doubling each time up to Max.
func (b BackoffPolicy) Next(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
