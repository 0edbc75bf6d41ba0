package quicmux

import (
	"sync"
	"time"
)

// testPeer is a scripted Demux consumer. Its accept function decides which
// offers it takes; accepted streams get a fresh sink port that records
// every delivered unit and event.
type testPeer struct {
	mu     sync.Mutex
	name   string
	accept func(offer *StreamOffer) bool

	offers     []*StreamOffer
	units      []*Unit
	events     []PortEvent
	peerEvents []PortEvent
	sinks      []*Port
}

func newTestPeer(name string, accept func(*StreamOffer) bool) *testPeer {
	return &testPeer{name: name, accept: accept}
}

// acceptAll takes every offer.
func acceptAll(*StreamOffer) bool { return true }

// refuseAll takes none.
func refuseAll(*StreamOffer) bool { return false }

func (p *testPeer) Name() string { return p.name }

func (p *testPeer) OfferStream(offer *StreamOffer) (*Port, bool) {
	p.mu.Lock()
	p.offers = append(p.offers, offer)
	p.mu.Unlock()

	if p.accept != nil && !p.accept(offer) {
		return nil, false
	}

	sink := NewPort(p.name+"-sink", PortSink, offer.Cap, PortCallbacks{
		Chain: func(_ *Port, u *Unit) error {
			p.mu.Lock()
			p.units = append(p.units, u)
			p.mu.Unlock()
			return nil
		},
		Event: func(_ *Port, ev PortEvent) {
			p.mu.Lock()
			p.events = append(p.events, ev)
			p.mu.Unlock()
		},
	})

	p.mu.Lock()
	p.sinks = append(p.sinks, sink)
	p.mu.Unlock()
	return sink, true
}

func (p *testPeer) PeerEvent(ev PortEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerEvents = append(p.peerEvents, ev)
}

func (p *testPeer) Offers() []*StreamOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*StreamOffer, len(p.offers))
	copy(out, p.offers)
	return out
}

func (p *testPeer) Units() []*Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Unit, len(p.units))
	copy(out, p.units)
	return out
}

func (p *testPeer) Payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, u.Payload)
	}
	return out
}

func (p *testPeer) Events() []PortEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PortEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *testPeer) PeerEvents() []PortEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PortEvent, len(p.peerEvents))
	copy(out, p.peerEvents)
	return out
}

// gatedAdapter parks every Send until the gate opens, signalling entry on
// the entered channel. Used to hold a chain call inside the adapter while
// the test pokes at the registry.
type gatedAdapter struct {
	*LoopbackAdapter
	entered chan struct{}
	gate    chan struct{}
}

func newGatedAdapter(role Role) *gatedAdapter {
	return &gatedAdapter{
		LoopbackAdapter: NewLoopbackAdapter(role),
		entered:         make(chan struct{}),
		gate:            make(chan struct{}),
	}
}

func (a *gatedAdapter) Send(u *Unit) error {
	a.entered <- struct{}{}
	<-a.gate
	return a.LoopbackAdapter.Send(u)
}

// newMuxPair wires a Mux onto a fresh loopback adapter with notifications
// connected. The handshake is left incomplete so tests can exercise the
// deferred-open path explicitly.
func newMuxPair(role Role) (*Mux, *LoopbackAdapter) {
	adapter := NewLoopbackAdapter(role)
	mux := NewMux(adapter)
	adapter.Subscribe(mux.HandleTransportEvent)
	return mux, adapter
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
