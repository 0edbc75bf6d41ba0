package quicmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/armon/circbuf"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// sendSide is the write half shared by quic.Stream and quic.SendStream.
type sendSide interface {
	io.Writer
	Close() error
	CancelWrite(quic.StreamErrorCode)
}

// handshakeCompleter is satisfied by quic.EarlyConnection. Connections
// returned by the blocking dial/accept calls are already past the
// handshake and do not implement it.
type handshakeCompleter interface {
	HandshakeComplete() <-chan struct{}
}

// QUICTransportConfig tunes the quic-go adapter.
type QUICTransportConfig struct {
	// TraceBytes bounds the capture of recently-sent wire bytes kept for
	// diagnostics. Zero disables the capture.
	TraceBytes int64

	// ReadBufferSize is the per-stream read chunk size.
	ReadBufferSize int
}

// DefaultQUICTransportConfig returns the defaults: 64 KiB trace capture,
// 32 KiB read chunks.
func DefaultQUICTransportConfig() QUICTransportConfig {
	return QUICTransportConfig{
		TraceBytes:     64 << 10,
		ReadBufferSize: 32 << 10,
	}
}

// QUICTransport adapts a live quic-go connection to the TransportAdapter
// contract. It runs the accept loops for remote-opened streams, a
// per-stream read loop that turns reads into stream-tagged units (offset
// hints accumulate per stream, io.EOF becomes the final flag), and the
// datagram receive loop. Received units are handed to the deliver function
// given to Start (normally Demux.Push); notifications fan out to every
// Subscribe'd handler (normally the cores' HandleTransportEvent).
//
// The adapter does not serialize across streams: each stream's read loop
// is its own goroutine, which is exactly the per-stream ordering the cores
// require and nothing more.
type QUICTransport struct {
	conn quic.Connection
	role Role
	cfg  QUICTransportConfig

	mu        sync.Mutex
	sends     map[StreamID]sendSide
	states    map[StreamID]StreamState
	notify    []func(TransportEvent)
	deliver   func(*Unit) error
	started   bool
	handshook bool

	trace     *circbuf.Buffer
	recvBytes atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// NewQUICTransport wraps an established (or early) quic-go connection.
// role must say which side of the connection this endpoint is; it decides
// which stream ids the peer will use.
func NewQUICTransport(conn quic.Connection, role Role, cfg QUICTransportConfig) *QUICTransport {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultQUICTransportConfig().ReadBufferSize
	}
	t := &QUICTransport{
		conn:   conn,
		role:   role,
		cfg:    cfg,
		sends:  make(map[StreamID]sendSide),
		states: make(map[StreamID]StreamState),
	}
	if cfg.TraceBytes > 0 {
		// NewBuffer only fails for non-positive sizes.
		t.trace, _ = circbuf.NewBuffer(cfg.TraceBytes)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Subscribe registers a notification handler. Must be called before Start.
func (t *QUICTransport) Subscribe(fn func(TransportEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = append(t.notify, fn)
}

// Start launches the receive machinery. deliver receives every incoming
// tagged unit (pass Demux.Push, or nil for a send-only endpoint).
func (t *QUICTransport) Start(deliver func(*Unit) error) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("quic transport already started")
	}
	t.started = true
	t.deliver = deliver
	t.mu.Unlock()

	t.group, _ = errgroup.WithContext(t.ctx)

	t.group.Go(t.watchHandshake)
	t.group.Go(t.acceptBidiLoop)
	t.group.Go(t.acceptUniLoop)
	t.group.Go(t.datagramLoop)

	// The group drains when the connection dies or Close cancels the
	// context; either way the cores hear connection-closed exactly once.
	go func() {
		if err := t.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("quic transport loops ended")
		}
		t.connectionClosed()
	}()
	return nil
}

// watchHandshake emits handshake-complete, immediately for connections
// that are already established.
func (t *QUICTransport) watchHandshake() error {
	if hc, ok := t.conn.(handshakeCompleter); ok {
		select {
		case <-hc.HandshakeComplete():
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	}
	t.mu.Lock()
	t.handshook = true
	t.mu.Unlock()

	t.notifyEvent(TransportEvent{
		Kind: EventHandshakeComplete,
		Addr: t.conn.RemoteAddr(),
		ALPN: t.conn.ConnectionState().TLS.NegotiatedProtocol,
	})
	return nil
}

func (t *QUICTransport) acceptBidiLoop() error {
	for {
		s, err := t.conn.AcceptStream(t.ctx)
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		id := StreamID(s.StreamID())
		t.registerSend(id, s)
		t.notifyEvent(TransportEvent{Kind: EventStreamOpened, ID: id})
		t.group.Go(func() error { return t.readLoop(s, id) })
	}
}

func (t *QUICTransport) acceptUniLoop() error {
	for {
		rs, err := t.conn.AcceptUniStream(t.ctx)
		if err != nil {
			return fmt.Errorf("accept uni stream: %w", err)
		}
		id := StreamID(rs.StreamID())
		t.setState(id, StreamStateOpen|StreamStateClosedForSending)
		t.notifyEvent(TransportEvent{Kind: EventStreamOpened, ID: id})
		t.group.Go(func() error { return t.readLoop(rs, id) })
	}
}

func (t *QUICTransport) datagramLoop() error {
	if !t.conn.ConnectionState().SupportsDatagrams {
		return nil
	}
	for {
		payload, err := t.conn.ReceiveDatagram(t.ctx)
		if err != nil {
			return fmt.Errorf("receive datagram: %w", err)
		}
		t.recvBytes.Add(uint64(len(payload)))
		t.deliverUnit(&Unit{
			Payload:  payload,
			Datagram: &DatagramTag{Length: uint64(len(payload))},
		})
	}
}

// readLoop converts one stream's reads into stream-tagged units. The
// offset hint accumulates locally; io.EOF becomes a final-flagged unit
// (possibly empty). A reset surfaces as a stream-closed notification with
// the peer's reason, not as a loop error.
func (t *QUICTransport) readLoop(rs quic.ReceiveStream, id StreamID) error {
	buf := make([]byte, t.cfg.ReadBufferSize)
	var offset uint64
	for {
		n, err := rs.Read(buf)
		if n > 0 || errors.Is(err, io.EOF) {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			t.recvBytes.Add(uint64(n))
			t.deliverUnit(&Unit{
				Payload: payload,
				Stream: &StreamTag{
					ID:     id,
					Offset: offset,
					Length: uint64(n),
					Final:  errors.Is(err, io.EOF),
				},
			})
			offset += uint64(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		var serr *quic.StreamError
		if errors.As(err, &serr) {
			t.notifyEvent(TransportEvent{
				Kind:   EventStreamClosed,
				ID:     id,
				Reason: uint64(serr.ErrorCode),
			})
			return nil
		}
		if t.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read stream %s: %w", id, err)
	}
}

func (t *QUICTransport) deliverUnit(u *Unit) {
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver == nil {
		return
	}
	if err := deliver(u); err != nil && !errors.Is(err, ErrNotLinked) {
		log.Warn().Err(err).Msg("incoming unit not delivered")
	}
}

// OpenStream implements TransportAdapter. A MAX_STREAMS refusal maps onto
// ErrFlowBlocked so the Mux can stash the request.
func (t *QUICTransport) OpenStream(dir StreamDirection) (StreamID, error) {
	var (
		id   StreamID
		send sendSide
	)
	switch dir {
	case DirectionBidi:
		s, err := t.conn.OpenStream()
		if err != nil {
			return StreamIDUnset, mapOpenError(err)
		}
		id = StreamID(s.StreamID())
		send = s
		// The peer's answer on a locally-opened bidi stream flows back
		// through the same deliver path as accepted streams. The loop runs
		// outside the errgroup: OpenStream is called from producer
		// goroutines, which must not race the group's completion after
		// connection death.
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started && t.ctx.Err() == nil {
			sid := id
			go func() {
				if err := t.readLoop(s, sid); err != nil {
					log.Debug().Err(err).Stringer("streamID", sid).Msg("read loop ended")
				}
			}()
		}
	case DirectionUniLocal:
		s, err := t.conn.OpenUniStream()
		if err != nil {
			return StreamIDUnset, mapOpenError(err)
		}
		id = StreamID(s.StreamID())
		send = s
	default:
		return StreamIDUnset, fmt.Errorf("open stream: cannot open %s stream locally", dir)
	}

	t.registerSend(id, send)
	log.Debug().Stringer("streamID", id).Stringer("direction", dir).Msg("opened stream")
	return id, nil
}

func mapOpenError(err error) error {
	var limit *quic.StreamLimitReachedError
	if errors.As(err, &limit) {
		return fmt.Errorf("open refused by MAX_STREAMS: %w", ErrFlowBlocked)
	}
	var appErr *quic.ApplicationError
	var idle *quic.IdleTimeoutError
	if errors.As(err, &appErr) || errors.As(err, &idle) {
		return fmt.Errorf("open stream: %w", ErrConnectionClosed)
	}
	return fmt.Errorf("open stream: %w", err)
}

// CancelStream implements TransportAdapter. Reason 0 closes the send side
// gracefully (FIN); anything else resets with that application code.
func (t *QUICTransport) CancelStream(id StreamID, reason uint64) error {
	t.mu.Lock()
	send, ok := t.sends[id]
	delete(t.sends, id)
	if ok {
		t.states[id] |= StreamStateClosedForSending
	}
	t.mu.Unlock()
	if !ok {
		return ErrStreamClosed
	}

	if reason == 0 {
		if err := send.Close(); err != nil {
			return fmt.Errorf("close stream %s: %w", id, err)
		}
		return nil
	}
	send.CancelWrite(quic.StreamErrorCode(reason))
	return nil
}

// StreamState implements TransportAdapter. Unknown ids answer zero.
func (t *QUICTransport) StreamState(id StreamID) StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}

// ConnectionInfo implements TransportAdapter.
func (t *QUICTransport) ConnectionInfo() ConnectionInfo {
	state := t.conn.ConnectionState()

	t.mu.Lock()
	phase := PhaseHandshaking
	if t.handshook {
		phase = PhaseEstablished
	}
	var sent uint64
	if t.trace != nil {
		sent = uint64(t.trace.TotalWritten())
	}
	t.mu.Unlock()
	if t.conn.Context().Err() != nil {
		phase = PhaseClosed
	}

	return ConnectionInfo{
		Mode:              t.role,
		Phase:             phase,
		LocalAddr:         t.conn.LocalAddr(),
		PeerAddr:          t.conn.RemoteAddr(),
		ALPN:              state.TLS.NegotiatedProtocol,
		SupportsDatagrams: state.SupportsDatagrams,
		BytesSent:         sent,
		BytesReceived:     t.recvBytes.Load(),
	}
}

// Send implements TransportAdapter. Stream units write to the registered
// send side (final closes it); datagram units require the negotiated
// DATAGRAM extension.
func (t *QUICTransport) Send(u *Unit) error {
	switch {
	case u.Stream != nil:
		t.mu.Lock()
		send, ok := t.sends[u.Stream.ID]
		t.mu.Unlock()
		if !ok {
			return ErrStreamClosed
		}
		if len(u.Payload) > 0 {
			if _, err := send.Write(u.Payload); err != nil {
				return mapSendError(u.Stream.ID, err)
			}
		}
		t.capture(u)
		if u.Stream.Final {
			return t.CancelStream(u.Stream.ID, 0)
		}
		return nil

	case u.Datagram != nil:
		if !t.conn.ConnectionState().SupportsDatagrams {
			return ErrExtensionNotSupported
		}
		if err := t.conn.SendDatagram(u.Payload); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
		t.capture(u)
		return nil

	default:
		return fmt.Errorf("send: untagged unit: %w", ErrInvariantViolation)
	}
}

func mapSendError(id StreamID, err error) error {
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		return fmt.Errorf("stream %s reset (code %d): %w", id, serr.ErrorCode, ErrStreamClosed)
	}
	var appErr *quic.ApplicationError
	var idle *quic.IdleTimeoutError
	if errors.As(err, &appErr) || errors.As(err, &idle) {
		return fmt.Errorf("write stream %s: %w", id, ErrConnectionClosed)
	}
	return fmt.Errorf("write stream %s: %w", id, err)
}

// capture appends the unit's wire form to the bounded diagnostic trace.
func (t *QUICTransport) capture(u *Unit) {
	if t.trace == nil {
		return
	}
	wire, err := u.Marshal()
	if err != nil {
		return
	}
	t.mu.Lock()
	_, _ = t.trace.Write(wire)
	t.mu.Unlock()
}

// Close shuts the connection down and fires connection-closed.
func (t *QUICTransport) Close() error {
	t.cancel()
	err := t.conn.CloseWithError(0, "")
	t.connectionClosed()
	return err
}

func (t *QUICTransport) connectionClosed() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		var traced int64
		if t.trace != nil {
			traced = t.trace.TotalWritten()
		}
		t.mu.Unlock()
		log.Debug().
			Int64("bytesTraced", traced).
			Uint64("bytesReceived", t.recvBytes.Load()).
			Msg("quic connection closed")
		t.notifyEvent(TransportEvent{Kind: EventConnectionClosed})
	})
}

func (t *QUICTransport) registerSend(id StreamID, send sendSide) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends[id] = send
	t.states[id] |= StreamStateOpen
}

func (t *QUICTransport) setState(id StreamID, st StreamState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = st
}

func (t *QUICTransport) notifyEvent(ev TransportEvent) {
	t.mu.Lock()
	handlers := make([]func(TransportEvent), len(t.notify))
	copy(handlers, t.notify)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
