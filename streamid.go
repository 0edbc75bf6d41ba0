package quicmux

import "fmt"

// StreamID is a QUIC stream identifier. Valid identifiers occupy 62 bits
// per RFC 9000; the low two bits encode initiator and directionality:
//   - bit 0: server-initiated when set, client-initiated when clear
//   - bit 1: unidirectional when set, bidirectional when clear
type StreamID uint64

// StreamIDUnset is the 62-bit all-ones sentinel used for records whose id
// has not yet been granted by the transport. It must never appear on the
// wire.
const StreamIDUnset StreamID = (1 << 62) - 1

// Valid reports whether id is a usable QUIC stream identifier (inside the
// 62-bit space and not the sentinel).
func (id StreamID) Valid() bool {
	return id != StreamIDUnset && id < 1<<62
}

// ServerInitiated reports whether the stream was opened by the server.
func (id StreamID) ServerInitiated() bool {
	return id&0b01 != 0
}

// Unidirectional reports whether the stream carries data in one direction
// only.
func (id StreamID) Unidirectional() bool {
	return id&0b10 != 0
}

// Bidirectional reports whether the stream carries data in both directions.
func (id StreamID) Bidirectional() bool {
	return !id.Unidirectional()
}

// String returns a human-readable representation including the decoded
// direction bits, e.g. "3(uni,server)".
func (id StreamID) String() string {
	if id == StreamIDUnset {
		return "unset"
	}
	dir := "bidi"
	if id.Unidirectional() {
		dir = "uni"
	}
	init := "client"
	if id.ServerInitiated() {
		init = "server"
	}
	return fmt.Sprintf("%d(%s,%s)", uint64(id), dir, init)
}

// StreamDirection describes how a stream (or a pending open request)
// relates to the local endpoint.
type StreamDirection int

const (
	// DirectionBidi is a bidirectional stream.
	DirectionBidi StreamDirection = iota
	// DirectionUniLocal is a unidirectional stream opened locally (send-only).
	DirectionUniLocal
	// DirectionUniRemote is a unidirectional stream opened by the peer
	// (receive-only). It is never a valid argument to an open request.
	DirectionUniRemote
)

// String returns a human-readable representation of the direction.
func (d StreamDirection) String() string {
	switch d {
	case DirectionBidi:
		return "bidi"
	case DirectionUniLocal:
		return "uni-local"
	case DirectionUniRemote:
		return "uni-remote"
	default:
		return "unknown"
	}
}

// Role identifies which side of the QUIC connection the local endpoint
// plays. It determines which stream ids the remote peer will use.
type Role int

const (
	// RoleClient initiated the connection.
	RoleClient Role = iota
	// RoleServer accepted the connection.
	RoleServer
)

// String returns "client" or "server".
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// firstRemoteBidiID returns the lowest bidirectional stream id the remote
// peer may open toward an endpoint of the given role. A client expects
// server-initiated ids (first bidi id 1); a server expects client-initiated
// ids (first bidi id 0). Used to synthesize candidate ids for probe ports.
func firstRemoteBidiID(role Role) StreamID {
	if role == RoleClient {
		return 1
	}
	return 0
}

// firstRemoteUniID returns the lowest unidirectional stream id the remote
// peer may open toward an endpoint of the given role (3 for a client, 2
// for a server).
func firstRemoteUniID(role Role) StreamID {
	if role == RoleClient {
		return 3
	}
	return 2
}
