package quicmux

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// streamRecord couples a port to a QUIC stream id across its whole
// lifetime. The id is either StreamIDUnset (deferred, awaiting a grant) or
// a valid QUIC id; once set it never changes. The send offset advances
// monotonically as the Mux chain tags units.
//
// Locking: the record has its own mutex and condition, distinct from the
// registry mutex. Producers blocked in deferred-open wait on the condition;
// promotion and failure broadcast it. The registry mutex is never held
// while waiting.
type streamRecord struct {
	mu      sync.Mutex
	idReady *sync.Cond

	id     StreamID
	dir    StreamDirection
	cap    Capability
	port   *Port
	offset uint64

	// err is the terminal status handed to waiters: ErrConnectionClosed on
	// connection failure, ErrStreamClosed on port release. nil while the
	// record is live.
	err error
}

func newStreamRecord(port *Port, id StreamID, dir StreamDirection, capability Capability) *streamRecord {
	r := &streamRecord{
		id:   id,
		dir:  dir,
		cap:  capability,
		port: port,
	}
	r.idReady = sync.NewCond(&r.mu)
	return r
}

// waitForID blocks the calling producer until the record's id is granted
// or the record fails. This is the only suspension point inside the cores.
func (r *streamRecord) waitForID() (StreamID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.id == StreamIDUnset && r.err == nil {
		r.idReady.Wait()
	}
	if r.err != nil {
		return StreamIDUnset, r.err
	}
	return r.id, nil
}

// currentID returns the id without blocking.
func (r *streamRecord) currentID() StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// fail marks the record terminal and wakes every blocked producer. The
// first error sticks; later calls are no-ops.
func (r *streamRecord) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		r.idReady.Broadcast()
	}
}

// StreamRegistry is the bidirectional port↔record map shared by the two
// dispatch directions of one core. Each Mux or Demux instance owns its own
// registry. Both map directions are kept consistent under one mutex: for
// every record bound to port p with a valid id i, byPort[p] and byID[i]
// point at the same record.
//
// The registry exclusively owns its records; ports only carry the lookup
// key. The registry mutex is never held across a transport adapter call.
type StreamRegistry struct {
	mu     sync.Mutex
	byPort map[*Port]*streamRecord
	byID   map[StreamID]*streamRecord
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		byPort: make(map[*Port]*streamRecord),
		byID:   make(map[StreamID]*streamRecord),
	}
}

// Bind creates a record for the port and inserts it into both map
// directions (the id direction only when id is not StreamIDUnset). Binding
// a port that already has a record fails, as does reusing a live id.
func (g *StreamRegistry) Bind(port *Port, id StreamID, dir StreamDirection, capability Capability) (*streamRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byPort[port]; ok {
		return nil, fmt.Errorf("port %q already bound", port.Name())
	}
	if id != StreamIDUnset {
		if _, ok := g.byID[id]; ok {
			return nil, fmt.Errorf("stream id %s already bound", id)
		}
	}

	rec := newStreamRecord(port, id, dir, capability)
	g.byPort[port] = rec
	if id != StreamIDUnset {
		g.byID[id] = rec
	}

	log.Debug().
		Str("port", port.Name()).
		Stringer("streamID", id).
		Stringer("direction", dir).
		Msg("bound stream record")
	return rec, nil
}

// ResolveByPort is a pure lookup; unknown ports return (nil, false).
func (g *StreamRegistry) ResolveByPort(port *Port) (*streamRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byPort[port]
	return rec, ok
}

// ResolveByID is a pure lookup; unknown ids return (nil, false).
func (g *StreamRegistry) ResolveByID(id StreamID) (*streamRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byID[id]
	return rec, ok
}

// Promote completes a deferred record by installing its granted id and
// waking any producer blocked in waitForID. Promoting a record whose id is
// already set fails, as does promoting onto an id that is already bound.
func (g *StreamRegistry) Promote(rec *streamRecord, id StreamID) error {
	if !id.Valid() {
		return fmt.Errorf("promote: invalid stream id %s", id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byID[id]; ok {
		return fmt.Errorf("promote: stream id %s already bound", id)
	}

	rec.mu.Lock()
	if rec.id != StreamIDUnset {
		have := rec.id
		rec.mu.Unlock()
		return fmt.Errorf("promote: record already has id %s", have)
	}
	rec.id = id
	rec.idReady.Broadcast()
	rec.mu.Unlock()

	g.byID[id] = rec

	log.Debug().
		Str("port", rec.port.Name()).
		Stringer("streamID", id).
		Msg("promoted deferred stream record")
	return nil
}

// UnbindByPort removes both map entries for the port and returns the
// record for caller-driven teardown. The bool reports whether a record
// existed.
func (g *StreamRegistry) UnbindByPort(port *Port) (*streamRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byPort[port]
	if !ok {
		return nil, false
	}
	delete(g.byPort, port)
	// rec.id is written only by Promote, which holds this mutex too, so
	// reading it here needs no record lock. Taking rec.mu under the
	// registry mutex would stall every registry operation behind a chain
	// call blocked in the adapter's send.
	if rec.id != StreamIDUnset {
		delete(g.byID, rec.id)
	}
	return rec, true
}

// UnbindByID is the symmetric removal keyed by stream id.
func (g *StreamRegistry) UnbindByID(id StreamID) (*streamRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	delete(g.byID, id)
	delete(g.byPort, rec.port)
	return rec, true
}

// SnapshotIDs enumerates the currently-bound stream ids for shutdown
// sweeps.
func (g *StreamRegistry) SnapshotIDs() []StreamID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]StreamID, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	return ids
}

// snapshotRecords returns every record, including deferred ones that have
// no id yet. Connection-close sweeps use it so that records stuck in
// deferred-open are not left behind.
func (g *StreamRegistry) snapshotRecords() []*streamRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	recs := make([]*streamRecord, 0, len(g.byPort))
	for _, rec := range g.byPort {
		recs = append(recs, rec)
	}
	return recs
}

// Len reports the number of bound ports.
func (g *StreamRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byPort)
}
