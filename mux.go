// Package quicmux multiplexes and demultiplexes application data over a
// single QUIC transport connection.
//
// The Mux accepts independent byte streams and typed datagrams from
// upstream producers and tags each outgoing unit with the QUIC-level
// identifier (stream id or datagram marker) that tells a transport
// endpoint how to frame it. The peer Demux consumes the undifferentiated
// flow of tagged units coming back out of a transport endpoint and fans
// them out to per-stream and per-datagram consumer ports, creating and
// tearing those ports down in lock-step with the underlying QUIC streams.
//
// Architecture:
//   - The transport itself (packetization, loss recovery, handshake, flow
//     control) lives behind the TransportAdapter interface; QUICTransport
//     wraps a quic-go connection, LoopbackAdapter wires two cores together
//     in-process.
//   - Each core owns a StreamRegistry, the single bidirectional map
//     between external ports and stream records.
//   - Payloads are never buffered or reordered here; flow-control
//     back-pressure surfaces to the producer as ErrFlowBlocked.
package quicmux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// PortRequest describes a producer's ask for a new Mux port.
type PortRequest struct {
	// Name labels the port in logs and queries. Empty gets a generated
	// name.
	Name string

	// Cap selects bidi-stream, uni-stream or datagram framing.
	Cap Capability

	// ExplicitID attaches the port to an already-open bidirectional
	// stream instead of opening a new one. Leave as StreamIDUnset to let
	// the transport grant an id. Only valid with CapBidiStream.
	ExplicitID StreamID

	// OnEvent, if set, receives the port's control events (closed
	// notices, end-of-stream).
	OnEvent func(p *Port, ev PortEvent)
}

// pendingOpen is one stashed open request awaiting a grant. The record's
// id is StreamIDUnset until the drain promotes it.
type pendingOpen struct {
	rec *streamRecord
	dir StreamDirection
}

// Mux is the producer-facing stage. Producers request ports, push units
// into them concurrently, and the Mux forwards correctly tagged units to
// the transport adapter in per-port order with monotonically increasing
// offsets.
//
// Concurrency:
//   - chain calls for distinct ports run concurrently; per-port sends are
//     serialized on the record mutex so offsets stay consistent.
//   - the only blocking point is a producer waiting for a deferred open
//     to be promoted; waking is precise via the record's condition.
//   - m.mu guards the pending-open queue and lifecycle flags only, never
//     held across adapter calls.
type Mux struct {
	adapter  TransportAdapter
	registry *StreamRegistry

	mu            sync.Mutex
	pending       []pendingOpen
	handshakeDone bool
	closed        bool
}

// NewMux creates a Mux on top of the given transport adapter. Wire the
// adapter's notifications to HandleTransportEvent.
func NewMux(adapter TransportAdapter) *Mux {
	return &Mux{
		adapter:  adapter,
		registry: NewStreamRegistry(),
	}
}

// Registry exposes the Mux's stream registry (shared with nothing else;
// each core instance owns its own).
func (m *Mux) Registry() *StreamRegistry { return m.registry }

// RequestPort creates a sink port for the producer.
//
// Behavior by capability:
//   - CapBidiStream with ExplicitID: the adapter is queried for the id's
//     state; anything but open-and-writable is rejected and no registry
//     entry is left behind.
//   - CapBidiStream / CapUniStream without an id: an open-stream request
//     is issued. Before handshake completion, or when the adapter refuses
//     with ErrFlowBlocked, the request is stashed on the pending-open
//     queue and the port starts deferred: pushes block until a grant.
//   - CapDatagram: the record exists purely to name the port; its id is
//     never promoted.
func (m *Mux) RequestPort(req PortRequest) (*Port, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	m.mu.Unlock()

	switch req.Cap {
	case CapBidiStream, CapUniStream, CapDatagram:
	default:
		return nil, fmt.Errorf("request port: unsupported capability %q", req.Cap)
	}

	port := NewPort(req.Name, PortSink, req.Cap, PortCallbacks{
		Chain: m.chainFor(req.Cap),
		Event: req.OnEvent,
		Query: m.portQuery,
	})

	switch {
	case req.Cap == CapDatagram:
		if _, err := m.registry.Bind(port, StreamIDUnset, DirectionBidi, CapDatagram); err != nil {
			return nil, fmt.Errorf("request datagram port: %w", err)
		}
		return port, nil

	case req.Cap == CapBidiStream && req.ExplicitID != StreamIDUnset:
		if !req.ExplicitID.Valid() || req.ExplicitID.Unidirectional() {
			return nil, fmt.Errorf("request port: %s is not a bidirectional stream id", req.ExplicitID)
		}
		st := m.adapter.StreamState(req.ExplicitID)
		if st&StreamStateOpen == 0 || st&StreamStateClosedForSending != 0 {
			return nil, fmt.Errorf("request port for stream %s: %w", req.ExplicitID, ErrStreamClosed)
		}
		if _, err := m.registry.Bind(port, req.ExplicitID, DirectionBidi, CapBidiStream); err != nil {
			return nil, fmt.Errorf("request port: %w", err)
		}
		return port, nil

	default:
		dir := DirectionBidi
		if req.Cap == CapUniStream {
			dir = DirectionUniLocal
		}
		return m.requestStreamPort(port, dir)
	}
}

// requestStreamPort issues the open (or stashes it) and binds the port.
func (m *Mux) requestStreamPort(port *Port, dir StreamDirection) (*Port, error) {
	id := StreamIDUnset

	m.mu.Lock()
	ready := m.handshakeDone
	m.mu.Unlock()

	if ready {
		granted, err := m.adapter.OpenStream(dir)
		switch {
		case err == nil:
			id = granted
		case isFlowBlocked(err):
			// Stash below.
		default:
			return nil, fmt.Errorf("open stream: %w", err)
		}
	}

	rec, err := m.registry.Bind(port, id, dir, port.Capability())
	if err != nil {
		if id != StreamIDUnset {
			_ = m.adapter.CancelStream(id, 0)
		}
		return nil, fmt.Errorf("request port: %w", err)
	}

	if id == StreamIDUnset {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.registry.UnbindByPort(port)
			return nil, ErrConnectionClosed
		}
		m.pending = append(m.pending, pendingOpen{rec: rec, dir: dir})
		nowReady := m.handshakeDone
		m.mu.Unlock()
		log.Debug().Str("port", port.Name()).Stringer("direction", dir).Msg("stashed deferred open")

		// The handshake may have completed between the readiness check and
		// the stash, in which case its drain already ran on a queue that
		// did not yet hold this entry. Drain again so the entry is never
		// stranded without a trigger.
		if nowReady && !ready {
			if err := m.DrainPending(); err != nil {
				log.Error().Err(err).Msg("deferred-open drain failed")
			}
		}
	}
	return port, nil
}

// chainFor picks the sink chain for the capability.
func (m *Mux) chainFor(capability Capability) func(*Port, *Unit) error {
	if capability == CapDatagram {
		return m.chainDatagram
	}
	return m.chain
}

// chain is the stream-port sink chain. For each unit it resolves the
// record, blocks while the id is still deferred, validates or synthesizes
// the stream tag, forwards to the adapter, and only then advances the send
// offset. A flow-blocked send leaves the record untouched so the producer
// can retry the identical unit.
func (m *Mux) chain(p *Port, u *Unit) error {
	rec, ok := m.registry.ResolveByPort(p)
	if !ok {
		// Port released mid-flight.
		return ErrStreamClosed
	}

	if _, err := rec.waitForID(); err != nil {
		return err
	}

	if u.Datagram != nil {
		log.Error().Str("port", p.Name()).Msg("datagram-tagged unit on stream port")
		return ErrInvariantViolation
	}

	// Per-port sends serialize on the record mutex; the offset and the
	// adapter call stay atomic with respect to other producers on the
	// same port.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.err != nil {
		return rec.err
	}

	synthesized := false
	if u.Stream != nil {
		if u.Stream.ID != rec.id {
			log.Error().
				Str("port", p.Name()).
				Stringer("tagID", u.Stream.ID).
				Stringer("recordID", rec.id).
				Msg("stream tag id mismatch")
			return ErrInvariantViolation
		}
	} else {
		u.Stream = &StreamTag{
			ID:     rec.id,
			Offset: rec.offset,
			Length: uint64(len(u.Payload)),
			Final:  u.Last,
		}
		synthesized = true
	}

	if err := m.adapter.Send(u); err != nil {
		if synthesized {
			// Leave the unit exactly as the producer handed it in; the
			// record is unchanged and a retry re-tags at the same offset.
			u.Stream = nil
		}
		return err
	}
	if synthesized {
		rec.offset += uint64(len(u.Payload))
	}
	return nil
}

// chainDatagram is the datagram-port sink chain: attach a datagram tag if
// missing and forward. No offset accounting, no ordering guarantee.
func (m *Mux) chainDatagram(p *Port, u *Unit) error {
	if _, ok := m.registry.ResolveByPort(p); !ok {
		return ErrStreamClosed
	}
	if u.Stream != nil {
		log.Error().Str("port", p.Name()).Msg("stream-tagged unit on datagram port")
		return ErrInvariantViolation
	}
	if u.Datagram == nil {
		u.Datagram = &DatagramTag{Length: uint64(len(u.Payload))}
	}
	return m.adapter.Send(u)
}

// portQuery answers associated-stream-id queries on Mux ports.
func (m *Mux) portQuery(p *Port, q *PortQuery) bool {
	switch q.Kind {
	case PortQueryStreamID:
		rec, ok := m.registry.ResolveByPort(p)
		if !ok {
			return false
		}
		q.ID = rec.currentID()
		return q.ID != StreamIDUnset
	default:
		return false
	}
}

// ReleasePort is the graceful variant of ReleasePortWithReason.
func (m *Mux) ReleasePort(p *Port) error {
	return m.ReleasePortWithReason(p, 0)
}

// ReleasePortWithReason tears a port down: a cancel-stream request is
// issued for the bound id (datagram ports have none), the record is
// unbound from both map directions, and any producer blocked in
// deferred-open wakes with ErrStreamClosed. In-flight chain calls may
// complete or fail but never touch the record after this returns.
func (m *Mux) ReleasePortWithReason(p *Port, reason uint64) error {
	rec, ok := m.registry.UnbindByPort(p)
	if !ok {
		return ErrStreamClosed
	}
	m.dropPending(rec)
	rec.fail(ErrStreamClosed)

	var err error
	if id := rec.currentID(); id != StreamIDUnset && rec.cap != CapDatagram {
		if cerr := m.adapter.CancelStream(id, reason); cerr != nil {
			err = fmt.Errorf("cancel stream %s: %w", id, cerr)
		}
	}
	p.Close(nil)

	log.Debug().Str("port", p.Name()).Uint64("reason", reason).Msg("released port")
	return err
}

// dropPending removes a record's stashed open request, if any.
func (m *Mux) dropPending(rec *streamRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.pending {
		if e.rec == rec {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// HandleTransportEvent processes an upstream notification from the
// adapter. Safe to call from the adapter's goroutines.
func (m *Mux) HandleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventHandshakeComplete:
		m.mu.Lock()
		m.handshakeDone = true
		m.mu.Unlock()
		log.Debug().Str("alpn", ev.ALPN).Msg("handshake complete, draining deferred opens")
		if err := m.DrainPending(); err != nil {
			log.Error().Err(err).Msg("deferred-open drain failed")
		}

	case EventStreamCredit:
		m.mu.Lock()
		ready := m.handshakeDone
		m.mu.Unlock()
		if ready {
			if err := m.DrainPending(); err != nil {
				log.Error().Err(err).Msg("deferred-open drain failed")
			}
		}

	case EventStreamClosed:
		rec, ok := m.registry.UnbindByID(ev.ID)
		if !ok {
			// The port may already have released it.
			log.Debug().Stringer("streamID", ev.ID).Msg("stream-closed for unknown id, ignoring")
			return
		}
		rec.fail(ErrStreamClosed)
		rec.port.Close(ErrStreamClosed)
		log.Debug().Stringer("streamID", ev.ID).Uint64("reason", ev.Reason).Msg("closed port on stream-closed")

	case EventConnectionClosed:
		m.sweep()

	default:
		log.Debug().Stringer("event", ev.Kind).Msg("ignoring transport event")
	}
}

// DrainPending re-issues stashed open requests in FIFO order. A grant
// promotes the record and unblocks its producer. A transient refusal
// (still blocked by MAX_STREAMS) re-stashes the entry at the head so FIFO
// order survives and stops the drain; the next handshake-complete or
// stream-credit notification retries. A permanent failure releases the
// port, unbinds the record and stops with an error. No entry is ever
// silently lost.
func (m *Mux) DrainPending() error {
	for {
		m.mu.Lock()
		if m.closed || len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		entry := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		id, err := m.adapter.OpenStream(entry.dir)
		if err != nil {
			if isFlowBlocked(err) {
				m.mu.Lock()
				m.pending = append([]pendingOpen{entry}, m.pending...)
				m.mu.Unlock()
				log.Debug().Stringer("direction", entry.dir).Msg("open still blocked, re-stashed")
				return nil
			}
			port := entry.rec.port
			m.registry.UnbindByPort(port)
			entry.rec.fail(fmt.Errorf("deferred open: %w", err))
			port.Close(err)
			return fmt.Errorf("deferred open for %q: %w", port.Name(), err)
		}

		if perr := m.registry.Promote(entry.rec, id); perr != nil {
			// Record raced with release or connection close; give the
			// granted id back.
			_ = m.adapter.CancelStream(id, 0)
			log.Warn().Err(perr).Stringer("streamID", id).Msg("discarded grant for dead record")
		}
	}
}

// PendingOpens reports the number of stashed open requests.
func (m *Mux) PendingOpens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// sweep is the connection-wide teardown: every record is unbound, every
// blocked producer wakes with ErrConnectionClosed, every port is closed,
// and pending opens are failed. Later RequestPort and chain calls fail
// immediately.
func (m *Mux) sweep() {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, e := range pending {
		e.rec.fail(ErrConnectionClosed)
	}
	for _, rec := range m.registry.snapshotRecords() {
		m.registry.UnbindByPort(rec.port)
		rec.fail(ErrConnectionClosed)
		rec.port.Close(ErrConnectionClosed)
	}
	log.Debug().Msg("mux swept on connection close")
}

// StreamIDForPort answers the associated-stream-id query. Returns false
// for unknown ports and for records still deferred.
func (m *Mux) StreamIDForPort(p *Port) (StreamID, bool) {
	rec, ok := m.registry.ResolveByPort(p)
	if !ok {
		return StreamIDUnset, false
	}
	id := rec.currentID()
	return id, id != StreamIDUnset
}

// PortForStreamID answers the associated-port query.
func (m *Mux) PortForStreamID(id StreamID) (*Port, bool) {
	rec, ok := m.registry.ResolveByID(id)
	if !ok {
		return nil, false
	}
	return rec.port, true
}

// isFlowBlocked folds wrapped transient refusals onto the sentinel.
func isFlowBlocked(err error) bool {
	return errors.Is(err, ErrFlowBlocked)
}
