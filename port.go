package quicmux

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PortDirection says which way data flows through a port.
type PortDirection int

const (
	// PortSink accepts units pushed by an upstream producer (the Mux's
	// external ports, and consumer attachment points on the Demux side).
	PortSink PortDirection = iota
	// PortSource emits units toward a downstream consumer (the Demux's
	// per-stream ports).
	PortSource
)

// String returns "sink" or "source".
func (d PortDirection) String() string {
	if d == PortSource {
		return "source"
	}
	return "sink"
}

// PortEventKind names a control event traveling through a port.
type PortEventKind int

const (
	// PortEventCaps announces the port's capability. Sticky.
	PortEventCaps PortEventKind = iota
	// PortEventStreamStart is the sentinel emitted when a source port is
	// published for a newly-discovered stream. Sticky.
	PortEventStreamStart
	// PortEventEOS is ordinary end-of-stream, not an error.
	PortEventEOS
	// PortEventClosed reports teardown with an optional terminal error.
	PortEventClosed
)

// String names the event kind for logs.
func (k PortEventKind) String() string {
	switch k {
	case PortEventCaps:
		return "caps"
	case PortEventStreamStart:
		return "stream-start"
	case PortEventEOS:
		return "end-of-stream"
	case PortEventClosed:
		return "closed"
	default:
		return fmt.Sprintf("port-event(%d)", int(k))
	}
}

// PortEvent is a control event delivered to a port's Event callback.
// Sticky events (caps, stream-start) are replayed to a sink that links
// after they were emitted.
type PortEvent struct {
	Kind PortEventKind
	Cap  Capability
	ID   StreamID
	Err  error
}

// PortQueryKind names a synchronous question asked through a port.
type PortQueryKind int

const (
	// PortQueryStreamID asks for the stream id associated with the port.
	PortQueryStreamID PortQueryKind = iota
	// PortQueryCaps asks for the capabilities the port's owner supports.
	PortQueryCaps
)

// PortQuery carries a question and, on success, its answer.
type PortQuery struct {
	Kind PortQueryKind
	ID   StreamID
	Caps CapabilitySet
}

// PortCallbacks is the behavior a core (or consumer) installs on a port.
// All callbacks are optional; a nil Chain on a sink makes Push fail.
type PortCallbacks struct {
	// Chain handles a unit pushed onto a sink port.
	Chain func(p *Port, u *Unit) error
	// Event handles control events.
	Event func(p *Port, ev PortEvent)
	// Query answers synchronous questions; false means unanswered.
	Query func(p *Port, q *PortQuery) bool
	// Link is invoked on a sink when a source links to it. A non-nil
	// return refuses the link.
	Link func(p *Port, peer *Port) error
	// Unlink is invoked on a sink when its source detaches.
	Unlink func(p *Port)
}

// Port is the attachment point between a producer/consumer and a core.
// Each port is bound to at most one stream record for its entire lifetime.
//
// A source port links to exactly one sink; pushing onto a source forwards
// into the linked sink's chain. Callbacks always run outside the port
// mutex so they may re-enter port and core operations.
type Port struct {
	mu     sync.Mutex
	name   string
	dir    PortDirection
	cap    Capability
	cbs    PortCallbacks
	peer   *Port
	sticky []PortEvent
	closed bool
}

// NewPort creates a port. An empty name gets a generated one so log lines
// stay attributable.
func NewPort(name string, dir PortDirection, capability Capability, cbs PortCallbacks) *Port {
	if name == "" {
		name = fmt.Sprintf("%s-%s", dir, uuid.NewString()[:8])
	}
	return &Port{
		name: name,
		dir:  dir,
		cap:  capability,
		cbs:  cbs,
	}
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Direction returns sink or source.
func (p *Port) Direction() PortDirection { return p.dir }

// Capability returns the capability tag the port was created with.
func (p *Port) Capability() Capability { return p.cap }

// Linked reports whether the port has a linked counterpart.
func (p *Port) Linked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil
}

// Peer returns the linked counterpart, or nil.
func (p *Port) Peer() *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

// Push delivers a unit. On a sink it runs the chain callback; on a source
// it forwards into the linked sink. Returns ErrStreamClosed once the port
// is closed and ErrNotLinked for an unlinked source.
func (p *Port) Push(u *Unit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStreamClosed
	}
	chain := p.cbs.Chain
	peer := p.peer
	dir := p.dir
	p.mu.Unlock()

	if dir == PortSource {
		if peer == nil {
			return ErrNotLinked
		}
		return peer.Push(u)
	}
	if chain == nil {
		return fmt.Errorf("push on %q: no chain installed", p.name)
	}
	return chain(p, u)
}

// SendEvent delivers a control event. On a source the event travels to the
// linked sink's Event callback; on a sink it is handled locally.
func (p *Port) SendEvent(ev PortEvent) {
	p.mu.Lock()
	peer := p.peer
	dir := p.dir
	own := p.cbs.Event
	p.mu.Unlock()

	if dir == PortSource && peer != nil {
		peer.SendEvent(ev)
		return
	}
	if own != nil {
		own(p, ev)
	}
}

// EmitSticky records a sticky event on a source and delivers it
// immediately if a sink is already linked. A late link replays all sticky
// events in emission order.
func (p *Port) EmitSticky(ev PortEvent) {
	p.mu.Lock()
	p.sticky = append(p.sticky, ev)
	peer := p.peer
	p.mu.Unlock()

	if peer != nil {
		peer.SendEvent(ev)
	}
}

// Query asks the port's owner a synchronous question.
func (p *Port) Query(q *PortQuery) bool {
	p.mu.Lock()
	fn := p.cbs.Query
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(p, q)
}

// Link attaches a source port to a sink port. The sink's Link callback may
// refuse. On success the source's sticky events are replayed into the
// sink.
func (p *Port) Link(sink *Port) error {
	if p.dir != PortSource || sink.dir != PortSink {
		return fmt.Errorf("link %q->%q: need source->sink", p.name, sink.name)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStreamClosed
	}
	if p.peer != nil {
		p.mu.Unlock()
		return fmt.Errorf("link %q: already linked", p.name)
	}
	sticky := make([]PortEvent, len(p.sticky))
	copy(sticky, p.sticky)
	p.mu.Unlock()

	sink.mu.Lock()
	linkCB := sink.cbs.Link
	sink.mu.Unlock()
	if linkCB != nil {
		if err := linkCB(sink, p); err != nil {
			return fmt.Errorf("link %q refused by %q: %w", p.name, sink.name, err)
		}
	}

	p.mu.Lock()
	p.peer = sink
	p.mu.Unlock()
	sink.mu.Lock()
	sink.peer = p
	sink.mu.Unlock()

	log.Debug().Str("source", p.name).Str("sink", sink.name).Msg("linked ports")

	for _, ev := range sticky {
		sink.SendEvent(ev)
	}
	return nil
}

// Unlink detaches the port from its counterpart, invoking the sink's
// Unlink callback. Safe to call on either side and when already unlinked.
func (p *Port) Unlink() {
	p.mu.Lock()
	peer := p.peer
	p.peer = nil
	p.mu.Unlock()
	if peer == nil {
		return
	}

	peer.mu.Lock()
	if peer.peer == p {
		peer.peer = nil
	}
	unlinkCB := peer.cbs.Unlink
	peer.mu.Unlock()

	sink := peer
	if p.dir == PortSink {
		sink = p
		p.mu.Lock()
		unlinkCB = p.cbs.Unlink
		p.mu.Unlock()
	}
	if unlinkCB != nil {
		unlinkCB(sink)
	}
}

// Close tears the port down: later pushes fail with ErrStreamClosed, the
// counterpart (and the port's own Event callback) see a closed event, and
// the link is dropped. err may be nil for graceful teardown. Idempotent.
func (p *Port) Close(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.SendEvent(PortEvent{Kind: PortEventClosed, Err: err})
	p.Unlink()
}

// Closed reports whether Close has run.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
