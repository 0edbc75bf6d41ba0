package quicmux

import "errors"

// Error taxonomy shared by the Mux, the Demux and transport adapters.
// The cores recover nothing locally: every transport failure surfaces to
// the producer or consumer that caused it, wrapped with context at the
// call site and comparable with errors.Is. The cores own only cleanup on
// the terminal errors (unbinding records, waking waiters, releasing
// ports).
var (
	// ErrStreamClosed means the stream id is no longer writable or
	// readable: remote reset, local release, or a final flag already
	// observed. Recoverable only by abandoning the port.
	ErrStreamClosed = errors.New("stream closed")

	// ErrFlowBlocked is transient back-pressure from QUIC flow control or
	// a MAX_STREAMS limit. Nothing is buffered; the caller retries at its
	// own pace.
	ErrFlowBlocked = errors.New("blocked by flow control")

	// ErrConnectionClosed is terminal: the underlying connection is gone.
	// All ports are torn down and all deferred producers are unblocked
	// with this error.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrExtensionNotSupported means the unit requires a negotiated QUIC
	// extension (typically DATAGRAM) that the peer refused. Terminal for
	// the unit.
	ErrExtensionNotSupported = errors.New("extension not supported by peer")

	// ErrInvariantViolation is a contract breach inside the core, such as
	// a pre-tagged unit whose stream id does not match its port's record.
	// Terminal for the unit.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotLinked means no consumer accepted a newly-discovered stream;
	// the unit that triggered discovery is dropped.
	ErrNotLinked = errors.New("port not linked")
)
