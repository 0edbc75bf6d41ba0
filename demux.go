package quicmux

import (
	"fmt"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/rs/zerolog/log"
)

// StreamOffer describes a newly-discovered stream (or datagram flow) to a
// candidate consumer. For unidirectional streams the stream-type prefix
// varint is decoded from the first payload bytes without consuming them.
type StreamOffer struct {
	// ID of the remote-opened stream; StreamIDUnset for datagram offers.
	ID StreamID
	// Cap is the capability the accepting consumer will receive.
	Cap Capability
	// Peek references the first frame's payload, capped at the configured
	// peek limit. Nil on probe offers.
	Peek []byte
	// UniStreamType is the decoded prefix varint of a unidirectional
	// stream's first bytes; valid only when HasUniStreamType is set.
	UniStreamType    uint64
	HasUniStreamType bool
	// Probe marks a bootstrap offer synthesized before any data arrived.
	Probe bool
}

// Peer is a downstream consumer registered with the Demux, eligible to
// receive offers for newly-discovered streams. Registration order is the
// first-match tie-break order.
type Peer interface {
	// Name labels the peer in logs.
	Name() string
	// OfferStream is the peering question: accepting returns the sink
	// port that should be linked to the stream's new source port.
	OfferStream(offer *StreamOffer) (*Port, bool)
}

// PeerEventSink is optionally implemented by peers that want connection-
// scope events (end-of-stream, connection close) even for streams they
// never accepted.
type PeerEventSink interface {
	PeerEvent(ev PortEvent)
}

// peerEntry pairs a registered peer with the capability bitset learned
// during probe bootstrap.
type peerEntry struct {
	peer Peer
	caps CapabilitySet
}

// DemuxConfig tunes the consumer-facing stage.
type DemuxConfig struct {
	// PeekLimit caps how many bytes of the first frame an offer exposes.
	PeekLimit int

	// EnableProbes controls the optimistic probe ports created by
	// Bootstrap.
	EnableProbes bool

	// LinkFallback, if set, is consulted when no registered peer accepts
	// an offer: it may link the unbound source port into the consumer
	// graph and return the peer that took it, which is then registered
	// implicitly.
	LinkFallback func(src *Port, offer *StreamOffer) (Peer, bool)
}

// DefaultDemuxConfig returns the defaults: 1 KiB peek, probing enabled.
func DefaultDemuxConfig() DemuxConfig {
	return DemuxConfig{
		PeekLimit:    1024,
		EnableProbes: true,
	}
}

// Demux is the consumer-facing stage. It receives tagged units from the
// transport adapter, looks up or creates the destination port, runs the
// peering protocol on first arrival, and delivers units in arrival order;
// ports close in lock-step with the underlying streams.
//
// Locking: d.mu guards the datagram port and lifecycle flag; peersMu
// guards the ordered peer list. Offers run on a snapshot of the list so a
// link callback may re-enter AddPeer without deadlock (insertion order is
// what the next offer sees, which is the ordering contract).
type Demux struct {
	adapter  TransportAdapter
	registry *StreamRegistry
	cfg      DemuxConfig

	peersMu sync.Mutex
	peers   []peerEntry

	mu           sync.Mutex
	datagramPort *Port
	seen         map[StreamID]struct{}
	closed       bool
}

// NewDemux creates a Demux with default configuration.
func NewDemux(adapter TransportAdapter) *Demux {
	return NewDemuxWithConfig(adapter, DefaultDemuxConfig())
}

// NewDemuxWithConfig creates a Demux with explicit configuration.
func NewDemuxWithConfig(adapter TransportAdapter, cfg DemuxConfig) *Demux {
	if cfg.PeekLimit <= 0 {
		cfg.PeekLimit = DefaultDemuxConfig().PeekLimit
	}
	return &Demux{
		adapter:  adapter,
		registry: NewStreamRegistry(),
		cfg:      cfg,
		seen:     make(map[StreamID]struct{}),
	}
}

// Registry exposes the Demux's stream registry.
func (d *Demux) Registry() *StreamRegistry { return d.registry }

// AddPeer registers a consumer at the end of the offer order. Duplicate
// registrations are ignored.
func (d *Demux) AddPeer(peer Peer) {
	d.recordPeer(peer, 0)
}

// RemovePeer drops a consumer from the offer order.
func (d *Demux) RemovePeer(peer Peer) {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	for i, e := range d.peers {
		if e.peer == peer {
			d.peers = append(d.peers[:i], d.peers[i+1:]...)
			log.Debug().Str("peer", peer.Name()).Msg("removed peer")
			return
		}
	}
}

// recordPeer appends the peer if absent (preserving insertion order) and
// merges the capability bits.
func (d *Demux) recordPeer(peer Peer, caps CapabilitySet) {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	for i, e := range d.peers {
		if e.peer == peer {
			d.peers[i].caps |= caps
			return
		}
	}
	d.peers = append(d.peers, peerEntry{peer: peer, caps: caps})
	log.Debug().Str("peer", peer.Name()).Msg("registered peer")
}

// snapshotPeers copies the ordered list so offers run without the lock.
func (d *Demux) snapshotPeers() []peerEntry {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	out := make([]peerEntry, len(d.peers))
	copy(out, d.peers)
	return out
}

// PeerCaps reports the capability bitset learned for a peer during
// bootstrap probing.
func (d *Demux) PeerCaps(peer Peer) CapabilitySet {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	for _, e := range d.peers {
		if e.peer == peer {
			return e.caps
		}
	}
	return 0
}

// Push is the Demux sink chain: every tagged unit arriving from the
// transport adapter enters here. Delivery preserves arrival order per
// destination port. Safe to call from multiple adapter goroutines as long
// as the adapter itself preserves per-stream order, which is all the
// contract requires.
func (d *Demux) Push(u *Unit) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrConnectionClosed
	}
	d.mu.Unlock()

	switch {
	case u.Stream != nil:
		return d.pushStream(u)
	case u.Datagram != nil:
		return d.pushDatagram(u)
	default:
		log.Error().Msg("untagged unit on demux sink")
		return ErrInvariantViolation
	}
}

func (d *Demux) pushStream(u *Unit) error {
	id := u.Stream.ID
	rec, ok := d.registry.ResolveByID(id)
	var port *Port
	if ok {
		port = rec.port
	} else {
		if u.Stream.Final && len(u.Payload) == 0 {
			// Spurious terminator for an already-dismissed stream.
			log.Debug().Stringer("streamID", id).Msg("dropping stray empty terminator")
			return nil
		}
		var err error
		port, err = d.bindNewStream(u)
		if err != nil {
			return err
		}
	}

	if err := port.Push(u); err != nil {
		return fmt.Errorf("deliver stream %s: %w", id, err)
	}
	if u.Stream.Final {
		d.closeStream(id, 0)
	}
	return nil
}

func (d *Demux) pushDatagram(u *Unit) error {
	d.mu.Lock()
	port := d.datagramPort
	d.mu.Unlock()

	if port == nil {
		var err error
		port, err = d.bindDatagramFlow()
		if err != nil {
			return err
		}
	}
	return port.Push(u)
}

// bindNewStream runs the peering protocol for a stream-tagged unit with an
// unknown id: build the offer, ask registered peers in order, fall back to
// an optimistic link, then publish the new source port with its sticky
// stream-start sentinel and capability caps.
func (d *Demux) bindNewStream(u *Unit) (*Port, error) {
	id := u.Stream.ID
	streamCap := CapBidiStream
	if id.Unidirectional() {
		streamCap = CapUniStream
	}

	offer := &StreamOffer{
		ID:   id,
		Cap:  streamCap,
		Peek: u.Payload,
	}
	if len(offer.Peek) > d.cfg.PeekLimit {
		offer.Peek = offer.Peek[:d.cfg.PeekLimit]
	}
	if streamCap == CapUniStream && len(u.Payload) > 0 {
		// The uni-stream-type prefix is decoded without consuming it; the
		// consumer sees the full payload either way.
		if v, _, err := quicvarint.Parse(u.Payload); err == nil {
			offer.UniStreamType = v
			offer.HasUniStreamType = true
		}
	}

	src := d.newSourcePort(id, streamCap)
	sink, acceptor := d.runOffer(src, offer)
	if sink == nil {
		log.Warn().Stringer("streamID", id).Msg("no consumer for new stream, dropping")
		return nil, ErrNotLinked
	}

	if _, err := d.registry.Bind(src, id, remoteDirection(id), streamCap); err != nil {
		return nil, fmt.Errorf("bind new stream: %w", err)
	}
	// The registry tracks the stream from here on.
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()

	// Sticky events first, so they replay into the link below and into
	// any future relink.
	src.EmitSticky(PortEvent{Kind: PortEventCaps, Cap: streamCap})
	src.EmitSticky(PortEvent{Kind: PortEventStreamStart, Cap: streamCap, ID: id})

	if err := src.Link(sink); err != nil {
		d.registry.UnbindByID(id)
		return nil, fmt.Errorf("bind new stream: %w", err)
	}

	log.Debug().
		Stringer("streamID", id).
		Str("peer", acceptor.Name()).
		Str("capability", string(streamCap)).
		Msg("bound new remote stream")
	return src, nil
}

// bindDatagramFlow is the datagram variant of the peering protocol: one
// shared source port carries every datagram once a consumer accepts.
func (d *Demux) bindDatagramFlow() (*Port, error) {
	offer := &StreamOffer{ID: StreamIDUnset, Cap: CapDatagram}

	src := NewPort("datagram-src", PortSource, CapDatagram, PortCallbacks{Query: d.portQuery})
	sink, acceptor := d.runOffer(src, offer)
	if sink == nil {
		log.Warn().Msg("no consumer for datagram flow, dropping")
		return nil, ErrNotLinked
	}

	if _, err := d.registry.Bind(src, StreamIDUnset, DirectionBidi, CapDatagram); err != nil {
		return nil, fmt.Errorf("bind datagram flow: %w", err)
	}
	src.EmitSticky(PortEvent{Kind: PortEventCaps, Cap: CapDatagram})
	if err := src.Link(sink); err != nil {
		d.registry.UnbindByPort(src)
		return nil, fmt.Errorf("bind datagram flow: %w", err)
	}

	d.mu.Lock()
	d.datagramPort = src
	d.mu.Unlock()

	log.Debug().Str("peer", acceptor.Name()).Msg("bound datagram flow")
	return src, nil
}

// runOffer performs first-match binding: registered peers in registration
// order, then the optimistic fallback. The accepting peer is returned and,
// for the fallback path, implicitly registered.
func (d *Demux) runOffer(src *Port, offer *StreamOffer) (*Port, Peer) {
	for _, e := range d.snapshotPeers() {
		if sink, ok := e.peer.OfferStream(offer); ok && sink != nil {
			d.recordPeer(e.peer, capBit(offer.Cap))
			return sink, e.peer
		}
	}
	if d.cfg.LinkFallback != nil {
		if peer, ok := d.cfg.LinkFallback(src, offer); ok && peer != nil {
			d.recordPeer(peer, capBit(offer.Cap))
			if sink, ok := peer.OfferStream(offer); ok && sink != nil {
				return sink, peer
			}
		}
	}
	return nil, nil
}

// newSourcePort builds the per-stream source port published to consumers.
// The template follows the id's low bits: bidi streams get a bidi port,
// uni streams a uni port.
func (d *Demux) newSourcePort(id StreamID, streamCap Capability) *Port {
	return NewPort(fmt.Sprintf("stream-%d", uint64(id)), PortSource, streamCap, PortCallbacks{
		Query: d.portQuery,
	})
}

// portQuery answers associated-stream-id queries on Demux source ports.
func (d *Demux) portQuery(p *Port, q *PortQuery) bool {
	switch q.Kind {
	case PortQueryStreamID:
		rec, ok := d.registry.ResolveByPort(p)
		if !ok {
			return false
		}
		q.ID = rec.currentID()
		return q.ID != StreamIDUnset
	default:
		return false
	}
}

// closeStream unbinds and destroys the source port for an id. Repeats are
// idempotent: a second close for the same id finds nothing and is dropped
// silently. A close for a stream that was announced but never carried data
// retires the announcement.
func (d *Demux) closeStream(id StreamID, reason uint64) {
	rec, ok := d.registry.UnbindByID(id)
	if !ok {
		d.mu.Lock()
		_, announced := d.seen[id]
		delete(d.seen, id)
		d.mu.Unlock()
		if announced {
			log.Debug().Stringer("streamID", id).Msg("stream closed before any data arrived")
		} else {
			log.Debug().Stringer("streamID", id).Msg("close for unknown stream, ignoring")
		}
		return
	}
	if reason == 0 {
		rec.port.SendEvent(PortEvent{Kind: PortEventEOS, ID: id})
		rec.port.Close(nil)
	} else {
		rec.port.Close(fmt.Errorf("stream reset with reason %d: %w", reason, ErrStreamClosed))
	}
	log.Debug().Stringer("streamID", id).Uint64("reason", reason).Msg("closed stream port")
}

// HandleTransportEvent processes lifecycle notifications arriving on the
// sink channel from the transport adapter.
func (d *Demux) HandleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventHandshakeComplete:
		// Informational for the Demux.
		log.Debug().Str("alpn", ev.ALPN).Msg("handshake complete")

	case EventStreamOpened:
		// Recorded only; the port is created on first data.
		d.mu.Lock()
		d.seen[ev.ID] = struct{}{}
		d.mu.Unlock()
		log.Debug().Stringer("streamID", ev.ID).Msg("remote stream opened")

	case EventStreamClosed:
		d.closeStream(ev.ID, ev.Reason)

	case EventConnectionClosed:
		d.teardown()

	case EventEndOfStream:
		d.broadcastPeerEvent(PortEvent{Kind: PortEventEOS})
		for _, id := range d.registry.SnapshotIDs() {
			d.closeStream(id, 0)
		}
		d.closeDatagramPort()

	default:
		log.Debug().Stringer("event", ev.Kind).Msg("ignoring transport event")
	}
}

// teardown is the connection-close sweep: every port is destroyed and
// every known peer hears end-of-stream.
func (d *Demux) teardown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.broadcastPeerEvent(PortEvent{Kind: PortEventEOS, Err: ErrConnectionClosed})
	for _, rec := range d.registry.snapshotRecords() {
		d.registry.UnbindByPort(rec.port)
		rec.port.Close(ErrConnectionClosed)
	}
	d.closeDatagramPort()
	log.Debug().Msg("demux torn down on connection close")
}

func (d *Demux) closeDatagramPort() {
	d.mu.Lock()
	port := d.datagramPort
	d.datagramPort = nil
	d.mu.Unlock()
	if port != nil {
		d.registry.UnbindByPort(port)
		port.Close(nil)
	}
}

// broadcastPeerEvent delivers a connection-scope event to every peer that
// implements PeerEventSink.
func (d *Demux) broadcastPeerEvent(ev PortEvent) {
	for _, e := range d.snapshotPeers() {
		if sink, ok := e.peer.(PeerEventSink); ok {
			sink.PeerEvent(ev)
		}
	}
}

// Bootstrap creates one probe port per capability with candidate ids
// synthesized from the connection role, so a statically-constructed
// consumer graph can self-wire before live traffic arrives. Any peer that
// accepts a probe is recorded with the matching capability bit and the
// probe port is immediately torn down. Purely advisory: a miss here does
// not prevent discovery on real traffic.
func (d *Demux) Bootstrap() {
	if !d.cfg.EnableProbes {
		return
	}
	role := d.adapter.ConnectionInfo().Mode

	probes := []struct {
		cap Capability
		id  StreamID
	}{
		{CapBidiStream, firstRemoteBidiID(role)},
		{CapUniStream, firstRemoteUniID(role)},
		{CapDatagram, StreamIDUnset},
	}

	for _, probe := range probes {
		offer := &StreamOffer{ID: probe.id, Cap: probe.cap, Probe: true}
		src := NewPort(fmt.Sprintf("probe-%s", capShortName(probe.cap)), PortSource, probe.cap, PortCallbacks{})

		sink, acceptor := d.runOffer(src, offer)
		if sink != nil {
			// The link reveals the peer; nothing else is kept.
			if err := src.Link(sink); err == nil {
				src.Unlink()
			}
			log.Debug().
				Str("peer", acceptor.Name()).
				Str("capability", string(probe.cap)).
				Msg("probe matched peer")
		}
		src.Close(nil)
	}
}

// capShortName is the probe-port naming helper.
func capShortName(c Capability) string {
	switch c {
	case CapBidiStream:
		return "bidi"
	case CapUniStream:
		return "uni"
	case CapDatagram:
		return "datagram"
	default:
		return "raw"
	}
}

// remoteDirection classifies a remote-opened stream id for the registry.
func remoteDirection(id StreamID) StreamDirection {
	if id.Unidirectional() {
		return DirectionUniRemote
	}
	return DirectionBidi
}

// PortForStreamID answers the id-to-port query.
func (d *Demux) PortForStreamID(id StreamID) (*Port, bool) {
	rec, ok := d.registry.ResolveByID(id)
	if !ok {
		return nil, false
	}
	return rec.port, true
}

// StreamIDForPort answers the port-to-id query.
func (d *Demux) StreamIDForPort(p *Port) (StreamID, bool) {
	rec, ok := d.registry.ResolveByPort(p)
	if !ok {
		return StreamIDUnset, false
	}
	id := rec.currentID()
	return id, id != StreamIDUnset
}

// DatagramPort returns the shared datagram source port, if one has been
// bound.
func (d *Demux) DatagramPort() (*Port, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.datagramPort, d.datagramPort != nil
}
