package quicmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDemuxPair(role Role) (*Demux, *LoopbackAdapter) {
	adapter := NewLoopbackAdapter(role)
	demux := NewDemux(adapter)
	adapter.Subscribe(demux.HandleTransportEvent)
	return demux, adapter
}

// TestDemux_PeeringFirstMatch offers a new unidirectional stream to two
// peers in registration order; the first refuses, the second accepts and
// receives the payload plus the sticky caps and stream-start events.
func TestDemux_PeeringFirstMatch(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)

	refuser := newTestPeer("refuser", refuseAll)
	taker := newTestPeer("taker", acceptAll)
	demux.AddPeer(refuser)
	demux.AddPeer(taker)

	payload := []byte("!hello")
	require.NoError(t, demux.Push(&Unit{
		Payload: payload,
		Stream:  &StreamTag{ID: 7, Offset: 0, Length: uint64(len(payload))},
	}))

	// Both peers were asked, in order; only the taker got data.
	require.Len(t, refuser.Offers(), 1)
	require.Len(t, taker.Offers(), 1)
	assert.Empty(t, refuser.Units())

	offer := taker.Offers()[0]
	assert.Equal(t, StreamID(7), offer.ID)
	assert.Equal(t, CapUniStream, offer.Cap)
	assert.Equal(t, payload, offer.Peek)
	require.True(t, offer.HasUniStreamType)
	assert.Equal(t, uint64('!'), offer.UniStreamType)
	assert.False(t, offer.Probe)

	require.Len(t, taker.Units(), 1)
	assert.Equal(t, payload, taker.Units()[0].Payload)

	events := taker.Events()
	require.Len(t, events, 2)
	assert.Equal(t, PortEventCaps, events[0].Kind)
	assert.Equal(t, CapUniStream, events[0].Cap)
	assert.Equal(t, PortEventStreamStart, events[1].Kind)
	assert.Equal(t, StreamID(7), events[1].ID)

	port, ok := demux.PortForStreamID(7)
	require.True(t, ok)
	id, ok := demux.StreamIDForPort(port)
	require.True(t, ok)
	assert.Equal(t, StreamID(7), id)
}

// TestDemux_PeekLimit caps the offered peek without truncating delivery.
func TestDemux_PeekLimit(t *testing.T) {
	adapter := NewLoopbackAdapter(RoleClient)
	demux := NewDemuxWithConfig(adapter, DemuxConfig{PeekLimit: 4})

	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	payload := []byte("0123456789")
	require.NoError(t, demux.Push(&Unit{
		Payload: payload,
		Stream:  &StreamTag{ID: 1, Length: uint64(len(payload))},
	}))

	require.Len(t, peer.Offers(), 1)
	assert.Equal(t, []byte("0123"), peer.Offers()[0].Peek)
	require.Len(t, peer.Units(), 1)
	assert.Equal(t, payload, peer.Units()[0].Payload, "delivery carries the full payload")
}

// TestDemux_ArrivalOrder delivers consecutive frames of one stream to the
// same port in arrival order, offering the stream only once.
func TestDemux_ArrivalOrder(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	for i, chunk := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		require.NoError(t, demux.Push(&Unit{
			Payload: chunk,
			Stream:  &StreamTag{ID: 1, Offset: uint64(i * 8), Length: uint64(len(chunk))},
		}))
	}

	assert.Len(t, peer.Offers(), 1)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, peer.Payloads())
}

// TestDemux_StreamTermination delivers the final frame, then closes the
// port with end-of-stream; a stray empty terminator afterwards is dropped.
func TestDemux_StreamTermination(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("bye"),
		Stream:  &StreamTag{ID: 1, Length: 3, Final: true},
	}))

	require.Equal(t, [][]byte{[]byte("bye")}, peer.Payloads())
	events := peer.Events()
	require.Len(t, events, 4)
	assert.Equal(t, PortEventEOS, events[2].Kind)
	assert.Equal(t, PortEventClosed, events[3].Kind)
	assert.NoError(t, events[3].Err)

	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok, "port torn down with the stream")

	// The empty terminator for the now-unknown id is not an error and does
	// not re-run peering.
	require.NoError(t, demux.Push(&Unit{Stream: &StreamTag{ID: 1, Final: true}}))
	assert.Len(t, peer.Offers(), 1)
}

// TestDemux_NoConsumer drops streams nobody accepts.
func TestDemux_NoConsumer(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	demux.AddPeer(newTestPeer("refuser", refuseAll))

	err := demux.Push(&Unit{
		Payload: []byte("orphan"),
		Stream:  &StreamTag{ID: 1, Length: 6},
	})
	assert.ErrorIs(t, err, ErrNotLinked)
	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok)
}

// TestDemux_LinkFallback lets the optimistic fallback claim a stream no
// registered peer wanted, and registers the claiming peer for the next
// offer.
func TestDemux_LinkFallback(t *testing.T) {
	adapter := NewLoopbackAdapter(RoleClient)
	late := newTestPeer("late", acceptAll)

	cfg := DefaultDemuxConfig()
	cfg.LinkFallback = func(_ *Port, offer *StreamOffer) (Peer, bool) {
		return late, true
	}
	demux := NewDemuxWithConfig(adapter, cfg)
	demux.AddPeer(newTestPeer("refuser", refuseAll))

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("first"),
		Stream:  &StreamTag{ID: 1, Length: 5},
	}))
	require.Len(t, late.Units(), 1)

	// The second stream reaches the now-registered peer without the
	// fallback: two offers total on the late peer.
	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("second"),
		Stream:  &StreamTag{ID: 5, Length: 6},
	}))
	assert.Len(t, late.Offers(), 2)
	assert.Len(t, late.Units(), 2)
}

// TestDemux_DatagramFlow binds one shared source port on the first
// datagram and reuses it for the rest.
func TestDemux_DatagramFlow(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{Payload: []byte("a"), Datagram: &DatagramTag{Length: 1}}))
	require.NoError(t, demux.Push(&Unit{Payload: []byte("b"), Datagram: &DatagramTag{Length: 1}}))

	require.Len(t, peer.Offers(), 1)
	offer := peer.Offers()[0]
	assert.Equal(t, CapDatagram, offer.Cap)
	assert.Equal(t, StreamIDUnset, offer.ID)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, peer.Payloads())

	port, ok := demux.DatagramPort()
	require.True(t, ok)
	assert.Equal(t, CapDatagram, port.Capability())
	_, ok = demux.StreamIDForPort(port)
	assert.False(t, ok, "datagram port has no stream id")
}

// TestDemux_UntaggedUnit rejects units with no tag at all.
func TestDemux_UntaggedUnit(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	assert.ErrorIs(t, demux.Push(&Unit{Payload: []byte("x")}), ErrInvariantViolation)
}

// TestDemux_StreamClosedEvent tears the port down with the reset reason;
// a repeat for the same id is ignored.
func TestDemux_StreamClosedEvent(t *testing.T) {
	demux, adapter := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))

	adapter.NotifyStreamClosed(1, 5)
	events := peer.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, PortEventClosed, last.Kind)
	assert.ErrorIs(t, last.Err, ErrStreamClosed)

	adapter.NotifyStreamClosed(1, 5)
	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok)
}

// TestDemux_StreamOpenedIsRecordedOnly creates no port until data arrives.
func TestDemux_StreamOpenedIsRecordedOnly(t *testing.T) {
	demux, adapter := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	adapter.fire(TransportEvent{Kind: EventStreamOpened, ID: 1})
	assert.Empty(t, peer.Offers())
	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok)

	// First data retires the announcement; the registry tracks the stream
	// from then on.
	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))
	demux.mu.Lock()
	_, announced := demux.seen[1]
	demux.mu.Unlock()
	assert.False(t, announced)
	_, ok = demux.PortForStreamID(1)
	assert.True(t, ok)
}

// TestDemux_AnnouncedStreamClosedWithoutData retires the announcement on a
// close for a stream that never carried data, without consulting peers.
func TestDemux_AnnouncedStreamClosedWithoutData(t *testing.T) {
	demux, adapter := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	adapter.fire(TransportEvent{Kind: EventStreamOpened, ID: 1})
	adapter.NotifyStreamClosed(1, 0)

	assert.Empty(t, peer.Offers())
	demux.mu.Lock()
	_, announced := demux.seen[1]
	demux.mu.Unlock()
	assert.False(t, announced, "announcement must not outlive the stream")
}

// TestDemux_ConnectionCloseTeardown destroys every port, broadcasts
// end-of-stream to peers and refuses later pushes.
func TestDemux_ConnectionCloseTeardown(t *testing.T) {
	demux, adapter := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))
	require.NoError(t, demux.Push(&Unit{Payload: []byte("d"), Datagram: &DatagramTag{Length: 1}}))

	adapter.CloseConnection()

	peerEvents := peer.PeerEvents()
	require.Len(t, peerEvents, 1)
	assert.Equal(t, PortEventEOS, peerEvents[0].Kind)
	assert.ErrorIs(t, peerEvents[0].Err, ErrConnectionClosed)

	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok)
	_, ok = demux.DatagramPort()
	assert.False(t, ok)

	err := demux.Push(&Unit{Payload: []byte("late"), Stream: &StreamTag{ID: 5, Length: 4}})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Zero(t, demux.Registry().Len())
}

// TestDemux_EndOfStream closes every stream port gracefully and tells all
// peers, but the demux keeps accepting new streams afterwards.
func TestDemux_EndOfStream(t *testing.T) {
	demux, adapter := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))

	adapter.fire(TransportEvent{Kind: EventEndOfStream})

	peerEvents := peer.PeerEvents()
	require.Len(t, peerEvents, 1)
	assert.Equal(t, PortEventEOS, peerEvents[0].Kind)
	assert.NoError(t, peerEvents[0].Err)
	_, ok := demux.PortForStreamID(1)
	assert.False(t, ok)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("fresh"),
		Stream:  &StreamTag{ID: 5, Length: 5},
	}))
	assert.Len(t, peer.Offers(), 2)
}

// TestDemux_Bootstrap probes each capability and records which peers take
// what; a later real stream still goes through normal peering.
func TestDemux_Bootstrap(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)

	streams := newTestPeer("streams", func(o *StreamOffer) bool {
		return o.Cap == CapBidiStream || o.Cap == CapUniStream
	})
	datagrams := newTestPeer("datagrams", func(o *StreamOffer) bool {
		return o.Cap == CapDatagram
	})
	demux.AddPeer(streams)
	demux.AddPeer(datagrams)

	demux.Bootstrap()

	// Client-side probes use the first server-initiated candidate ids.
	var probeIDs []StreamID
	for _, o := range streams.Offers() {
		require.True(t, o.Probe)
		assert.Nil(t, o.Peek)
		probeIDs = append(probeIDs, o.ID)
	}
	assert.Contains(t, probeIDs, StreamID(1))
	assert.Contains(t, probeIDs, StreamID(3))

	assert.True(t, demux.PeerCaps(streams).Has(CapBidiStream))
	assert.True(t, demux.PeerCaps(streams).Has(CapUniStream))
	assert.False(t, demux.PeerCaps(streams).Has(CapDatagram))
	assert.True(t, demux.PeerCaps(datagrams).Has(CapDatagram))

	// Probes leave nothing bound.
	assert.Zero(t, demux.Registry().Len())

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("live"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))
	require.Len(t, streams.Units(), 1)
}

// TestDemux_BootstrapDisabled makes no offers when probing is off.
func TestDemux_BootstrapDisabled(t *testing.T) {
	adapter := NewLoopbackAdapter(RoleClient)
	demux := NewDemuxWithConfig(adapter, DemuxConfig{EnableProbes: false})

	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)
	demux.Bootstrap()
	assert.Empty(t, peer.Offers())
}

// TestDemux_RemovePeer stops offering to removed peers.
func TestDemux_RemovePeer(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)

	gone := newTestPeer("gone", acceptAll)
	stays := newTestPeer("stays", acceptAll)
	demux.AddPeer(gone)
	demux.AddPeer(stays)
	demux.RemovePeer(gone)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 1, Length: 4},
	}))
	assert.Empty(t, gone.Offers())
	assert.Len(t, stays.Offers(), 1)
}

// TestDemux_PortQuery answers the stream-id question on a bound source
// port through the query interface.
func TestDemux_PortQuery(t *testing.T) {
	demux, _ := newDemuxPair(RoleClient)
	peer := newTestPeer("peer", acceptAll)
	demux.AddPeer(peer)

	require.NoError(t, demux.Push(&Unit{
		Payload: []byte("data"),
		Stream:  &StreamTag{ID: 9, Length: 4},
	}))

	port, ok := demux.PortForStreamID(9)
	require.True(t, ok)
	q := &PortQuery{Kind: PortQueryStreamID}
	require.True(t, port.Query(q))
	assert.Equal(t, StreamID(9), q.ID)
}
