package quicmux

import "net"

// StreamState is the bitset answered by a transport adapter's stream-state
// query.
type StreamState uint32

const (
	// StreamStateOpen means the stream exists and is usable.
	StreamStateOpen StreamState = 1 << iota
	// StreamStateClosedForSending means the local send direction is shut.
	StreamStateClosedForSending
	// StreamStateClosedForReading means the local receive direction is shut.
	StreamStateClosedForReading
)

// ConnectionPhase is the coarse lifecycle of the underlying connection.
type ConnectionPhase int

const (
	// PhaseHandshaking means the cryptographic handshake has not finished.
	PhaseHandshaking ConnectionPhase = iota
	// PhaseEstablished means the handshake is complete and streams may be
	// opened.
	PhaseEstablished
	// PhaseClosed means the connection is gone.
	PhaseClosed
)

// ConnectionInfo is the answer to the connection-state query.
type ConnectionInfo struct {
	Mode              Role
	Phase             ConnectionPhase
	LocalAddr         net.Addr
	PeerAddr          net.Addr
	ALPN              string
	SupportsDatagrams bool
	BytesSent         uint64
	BytesReceived     uint64
}

// EventKind names an asynchronous transport notification.
type EventKind int

const (
	// EventHandshakeComplete fires once when the connection becomes usable.
	// Payload: Addr (remote), ALPN.
	EventHandshakeComplete EventKind = iota
	// EventStreamOpened announces a remote-opened stream. It may arrive
	// before any data for that stream. Payload: ID.
	EventStreamOpened
	// EventStreamClosed announces stream termination. Payload: ID, Reason
	// (application-level, 0 = graceful). Repeats for the same id are
	// ignored by the cores.
	EventStreamClosed
	// EventStreamCredit signals that MAX_STREAMS credit arrived and a
	// previously refused open may now succeed.
	EventStreamCredit
	// EventConnectionClosed is terminal for the connection.
	EventConnectionClosed
	// EventEndOfStream marks the end of the tagged-unit flow on the Demux
	// sink without the connection necessarily failing.
	EventEndOfStream
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventHandshakeComplete:
		return "handshake-complete"
	case EventStreamOpened:
		return "stream-opened"
	case EventStreamClosed:
		return "stream-closed"
	case EventStreamCredit:
		return "stream-credit"
	case EventConnectionClosed:
		return "connection-closed"
	case EventEndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// TransportEvent is an asynchronous notification from a transport adapter.
// The adapter delivers events on its own goroutines and does not serialize
// across streams; the cores take care of their own locking.
type TransportEvent struct {
	Kind   EventKind
	ID     StreamID
	Reason uint64
	Addr   net.Addr
	ALPN   string
}

// TransportAdapter is the boundary between the cores and an actual QUIC
// endpoint. The cores never hold the registry mutex across any of these
// calls; Send may block at the adapter's discretion and that blocking is
// propagated to the producer.
//
// Errors are mapped onto the package taxonomy: an open refused by
// MAX_STREAMS or attempted before the handshake returns ErrFlowBlocked, a
// send on a dead stream returns ErrStreamClosed, a datagram without the
// negotiated extension returns ErrExtensionNotSupported, and anything
// touching a dead connection returns ErrConnectionClosed.
type TransportAdapter interface {
	// OpenStream asks the endpoint for a new locally-initiated stream of
	// the given direction and returns the granted id.
	OpenStream(dir StreamDirection) (StreamID, error)

	// CancelStream terminates the stream with an application-level reason
	// (0 = graceful close).
	CancelStream(id StreamID, reason uint64) error

	// StreamState answers the stream-state query. Unknown ids return the
	// zero bitset.
	StreamState(id StreamID) StreamState

	// ConnectionInfo answers the connection-state query.
	ConnectionInfo() ConnectionInfo

	// Send forwards one tagged unit to the endpoint for framing.
	Send(u *Unit) error
}
