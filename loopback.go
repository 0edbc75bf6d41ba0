package quicmux

import (
	"fmt"
	"net"
	"sync"
)

// LoopbackAdapter is an in-process TransportAdapter that connects a Mux to
// a Demux without a network. It grants stream ids in the role's id space,
// simulates handshake completion, MAX_STREAMS refusal and connection
// close, and hands every sent unit straight to the deliver function (or
// records it when none is set). Tests and the examples use it; production
// endpoints use QUICTransport.
type LoopbackAdapter struct {
	mu            sync.Mutex
	role          Role
	alpn          string
	handshakeDone bool
	refuseOpens   bool
	sendErr       error
	closed        bool
	datagrams     bool

	nextBidi StreamID
	nextUni  StreamID
	states   map[StreamID]StreamState

	deliver  func(*Unit) error
	notify   []func(TransportEvent)
	sent     []*Unit
	canceled map[StreamID]uint64
}

// NewLoopbackAdapter creates a loopback adapter playing the given role.
// The handshake starts incomplete; call CompleteHandshake to finish it.
func NewLoopbackAdapter(role Role) *LoopbackAdapter {
	a := &LoopbackAdapter{
		role:      role,
		alpn:      "quicmux-loopback",
		datagrams: true,
		states:    make(map[StreamID]StreamState),
		canceled:  make(map[StreamID]uint64),
	}
	// First locally-initiated ids per RFC 9000: client 0 (bidi) and 2
	// (uni), server 1 and 3.
	if role == RoleServer {
		a.nextBidi, a.nextUni = 1, 3
	} else {
		a.nextBidi, a.nextUni = 0, 2
	}
	return a
}

// Connect routes sent units to the given deliver function, normally the
// paired Demux's Push.
func (a *LoopbackAdapter) Connect(deliver func(*Unit) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliver = deliver
}

// Subscribe registers a notification handler, normally a core's
// HandleTransportEvent.
func (a *LoopbackAdapter) Subscribe(fn func(TransportEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = append(a.notify, fn)
}

// CompleteHandshake marks the connection established and fires the
// handshake-complete notification.
func (a *LoopbackAdapter) CompleteHandshake() {
	a.mu.Lock()
	a.handshakeDone = true
	alpn := a.alpn
	a.mu.Unlock()
	a.fire(TransportEvent{Kind: EventHandshakeComplete, Addr: loopbackAddr{}, ALPN: alpn})
}

// RefuseOpens toggles simulated MAX_STREAMS exhaustion.
func (a *LoopbackAdapter) RefuseOpens(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refuseOpens = v
}

// GrantCredit clears a previous refusal and fires stream-credit so the
// Mux retries its stashed opens.
func (a *LoopbackAdapter) GrantCredit() {
	a.mu.Lock()
	a.refuseOpens = false
	a.mu.Unlock()
	a.fire(TransportEvent{Kind: EventStreamCredit})
}

// FailSends forces every Send to return err until cleared with nil.
func (a *LoopbackAdapter) FailSends(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// SetDatagramSupport toggles the simulated DATAGRAM extension.
func (a *LoopbackAdapter) SetDatagramSupport(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.datagrams = v
}

// PreopenStream installs a stream state so explicit-id port requests can
// be exercised.
func (a *LoopbackAdapter) PreopenStream(id StreamID, st StreamState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[id] = st
}

// CloseConnection fires the terminal connection-closed notification.
func (a *LoopbackAdapter) CloseConnection() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.fire(TransportEvent{Kind: EventConnectionClosed})
}

// NotifyStreamClosed simulates a remote stream termination.
func (a *LoopbackAdapter) NotifyStreamClosed(id StreamID, reason uint64) {
	a.fire(TransportEvent{Kind: EventStreamClosed, ID: id, Reason: reason})
}

// OpenStream implements TransportAdapter.
func (a *LoopbackAdapter) OpenStream(dir StreamDirection) (StreamID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return StreamIDUnset, ErrConnectionClosed
	}
	if !a.handshakeDone || a.refuseOpens {
		return StreamIDUnset, ErrFlowBlocked
	}

	var id StreamID
	switch dir {
	case DirectionBidi:
		id = a.nextBidi
		a.nextBidi += 4
	case DirectionUniLocal:
		id = a.nextUni
		a.nextUni += 4
	default:
		return StreamIDUnset, fmt.Errorf("open stream: cannot open %s stream locally", dir)
	}
	a.states[id] = StreamStateOpen
	return id, nil
}

// CancelStream implements TransportAdapter, recording the reason for test
// assertions.
func (a *LoopbackAdapter) CancelStream(id StreamID, reason uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.states[id]; !ok {
		return ErrStreamClosed
	}
	a.states[id] |= StreamStateClosedForSending
	a.canceled[id] = reason
	return nil
}

// CanceledReason reports whether CancelStream ran for the id and with
// which reason.
func (a *LoopbackAdapter) CanceledReason(id StreamID) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.canceled[id]
	return r, ok
}

// StreamState implements TransportAdapter.
func (a *LoopbackAdapter) StreamState(id StreamID) StreamState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[id]
}

// ConnectionInfo implements TransportAdapter.
func (a *LoopbackAdapter) ConnectionInfo() ConnectionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	phase := PhaseHandshaking
	if a.handshakeDone {
		phase = PhaseEstablished
	}
	if a.closed {
		phase = PhaseClosed
	}
	return ConnectionInfo{
		Mode:              a.role,
		Phase:             phase,
		LocalAddr:         loopbackAddr{},
		PeerAddr:          loopbackAddr{},
		ALPN:              a.alpn,
		SupportsDatagrams: a.datagrams,
	}
}

// Send implements TransportAdapter: deliver in-process, or record when
// unconnected.
func (a *LoopbackAdapter) Send(u *Unit) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrConnectionClosed
	}
	if a.sendErr != nil {
		err := a.sendErr
		a.mu.Unlock()
		return err
	}
	if u.Datagram != nil && !a.datagrams {
		a.mu.Unlock()
		return ErrExtensionNotSupported
	}
	deliver := a.deliver
	if deliver == nil {
		a.sent = append(a.sent, u)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return deliver(u)
}

// Sent returns the units recorded while no deliver function was set.
func (a *LoopbackAdapter) Sent() []*Unit {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Unit, len(a.sent))
	copy(out, a.sent)
	return out
}

// fire fans a notification out to every subscriber.
func (a *LoopbackAdapter) fire(ev TransportEvent) {
	a.mu.Lock()
	handlers := make([]func(TransportEvent), len(a.notify))
	copy(handlers, a.notify)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// loopbackAddr is the placeholder net.Addr for loopback connections.
type loopbackAddr struct{}

// Network implements net.Addr.
func (loopbackAddr) Network() string { return "loopback" }

// String implements net.Addr.
func (loopbackAddr) String() string { return "loopback" }

var _ net.Addr = loopbackAddr{}

var _ TransportAdapter = (*LoopbackAdapter)(nil)
var _ TransportAdapter = (*QUICTransport)(nil)
