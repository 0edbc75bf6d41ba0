package quicmux

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRead is one step of a fakeReceiveStream playback.
type scriptedRead struct {
	data []byte
	err  error
}

// fakeReceiveStream plays back a scripted sequence of reads.
type fakeReceiveStream struct {
	id     quic.StreamID
	script []scriptedRead
}

func (s *fakeReceiveStream) StreamID() quic.StreamID { return s.id }

func (s *fakeReceiveStream) Read(p []byte) (int, error) {
	if len(s.script) == 0 {
		return 0, io.EOF
	}
	step := s.script[0]
	s.script = s.script[1:]
	return copy(p, step.data), step.err
}

func (s *fakeReceiveStream) CancelRead(quic.StreamErrorCode) {}

func (s *fakeReceiveStream) SetReadDeadline(time.Time) error { return nil }

var _ quic.ReceiveStream = (*fakeReceiveStream)(nil)

// fakeSendSide records what the transport does with a stream's write half.
type fakeSendSide struct {
	written  []byte
	writeErr error
	closed   bool
	canceled []quic.StreamErrorCode
}

func (s *fakeSendSide) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeSendSide) Close() error { s.closed = true; return nil }

func (s *fakeSendSide) CancelWrite(code quic.StreamErrorCode) {
	s.canceled = append(s.canceled, code)
}

var _ sendSide = (*fakeSendSide)(nil)

// newTestTransport builds a QUICTransport with the incoming-unit path
// captured; the wrapped connection is never touched by the paths under
// test.
func newTestTransport() (*QUICTransport, *[]*Unit) {
	tr := NewQUICTransport(nil, RoleClient, DefaultQUICTransportConfig())
	units := &[]*Unit{}
	tr.deliver = func(u *Unit) error {
		*units = append(*units, u)
		return nil
	}
	return tr, units
}

// TestQUICTransport_ReadLoopTagsUnits converts reads into stream-tagged
// units with accumulating offsets and a trailing empty final on EOF.
func TestQUICTransport_ReadLoopTagsUnits(t *testing.T) {
	tr, units := newTestTransport()
	stream := &fakeReceiveStream{id: 4, script: []scriptedRead{
		{data: []byte("hello")},
		{data: []byte("world")},
		{err: io.EOF},
	}}

	require.NoError(t, tr.readLoop(stream, 4))

	got := *units
	require.Len(t, got, 3)
	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.Equal(t, StreamTag{ID: 4, Offset: 0, Length: 5}, *got[0].Stream)
	assert.Equal(t, StreamTag{ID: 4, Offset: 5, Length: 5}, *got[1].Stream)
	assert.Equal(t, StreamTag{ID: 4, Offset: 10, Length: 0, Final: true}, *got[2].Stream)
	assert.Empty(t, got[2].Payload)
	assert.Equal(t, uint64(10), tr.recvBytes.Load())
}

// TestQUICTransport_ReadLoopFinalWithData folds an EOF delivered together
// with the last bytes into a single final unit.
func TestQUICTransport_ReadLoopFinalWithData(t *testing.T) {
	tr, units := newTestTransport()
	stream := &fakeReceiveStream{id: 8, script: []scriptedRead{
		{data: []byte("bye"), err: io.EOF},
	}}

	require.NoError(t, tr.readLoop(stream, 8))

	got := *units
	require.Len(t, got, 1)
	assert.Equal(t, []byte("bye"), got[0].Payload)
	assert.True(t, got[0].Stream.Final)
	assert.Equal(t, uint64(3), got[0].Stream.Length)
}

// TestQUICTransport_ReadLoopReset turns a peer reset into a stream-closed
// notification carrying the reset code, not a loop error.
func TestQUICTransport_ReadLoopReset(t *testing.T) {
	tr, units := newTestTransport()

	var events []TransportEvent
	tr.Subscribe(func(ev TransportEvent) { events = append(events, ev) })

	stream := &fakeReceiveStream{id: 4, script: []scriptedRead{
		{data: []byte("partial")},
		{err: &quic.StreamError{StreamID: 4, ErrorCode: 7, Remote: true}},
	}}

	require.NoError(t, tr.readLoop(stream, 4))

	require.Len(t, *units, 1, "bytes before the reset are still delivered")
	require.Len(t, events, 1)
	assert.Equal(t, EventStreamClosed, events[0].Kind)
	assert.Equal(t, StreamID(4), events[0].ID)
	assert.Equal(t, uint64(7), events[0].Reason)
}

// TestQUICTransport_OpenErrorMapping folds quic-go open failures onto the
// package taxonomy.
func TestQUICTransport_OpenErrorMapping(t *testing.T) {
	limit := fmt.Errorf("open stream: %w", &quic.StreamLimitReachedError{})
	assert.ErrorIs(t, mapOpenError(limit), ErrFlowBlocked)

	app := fmt.Errorf("open stream: %w", &quic.ApplicationError{ErrorCode: 2})
	assert.ErrorIs(t, mapOpenError(app), ErrConnectionClosed)

	idle := fmt.Errorf("open stream: %w", &quic.IdleTimeoutError{})
	assert.ErrorIs(t, mapOpenError(idle), ErrConnectionClosed)

	other := mapOpenError(errors.New("tls blew up"))
	assert.NotErrorIs(t, other, ErrFlowBlocked)
	assert.NotErrorIs(t, other, ErrConnectionClosed)
}

// TestQUICTransport_SendErrorMapping folds quic-go write failures onto the
// package taxonomy.
func TestQUICTransport_SendErrorMapping(t *testing.T) {
	reset := mapSendError(4, &quic.StreamError{StreamID: 4, ErrorCode: 9})
	assert.ErrorIs(t, reset, ErrStreamClosed)

	gone := mapSendError(4, &quic.ApplicationError{ErrorCode: 1})
	assert.ErrorIs(t, gone, ErrConnectionClosed)

	other := mapSendError(4, errors.New("short write"))
	assert.NotErrorIs(t, other, ErrStreamClosed)
}

// TestQUICTransport_CancelStreamFINVersusReset closes the send side for
// reason zero and resets with the application code otherwise.
func TestQUICTransport_CancelStreamFINVersusReset(t *testing.T) {
	tr, _ := newTestTransport()

	fin := &fakeSendSide{}
	tr.registerSend(4, fin)
	require.NoError(t, tr.CancelStream(4, 0))
	assert.True(t, fin.closed)
	assert.Empty(t, fin.canceled)
	assert.NotZero(t, tr.StreamState(4)&StreamStateClosedForSending)

	// The send side is gone; a repeat reports the stream closed.
	assert.ErrorIs(t, tr.CancelStream(4, 0), ErrStreamClosed)

	reset := &fakeSendSide{}
	tr.registerSend(8, reset)
	require.NoError(t, tr.CancelStream(8, 11))
	assert.False(t, reset.closed)
	assert.Equal(t, []quic.StreamErrorCode{11}, reset.canceled)
}

// TestQUICTransport_SendStream writes the payload to the registered send
// side and closes it when the tag is final.
func TestQUICTransport_SendStream(t *testing.T) {
	tr, _ := newTestTransport()
	side := &fakeSendSide{}
	tr.registerSend(4, side)

	require.NoError(t, tr.Send(&Unit{
		Payload: []byte("hello"),
		Stream:  &StreamTag{ID: 4, Offset: 0, Length: 5},
	}))
	assert.Equal(t, []byte("hello"), side.written)
	assert.False(t, side.closed)

	require.NoError(t, tr.Send(&Unit{
		Payload: []byte("bye"),
		Stream:  &StreamTag{ID: 4, Offset: 5, Length: 3, Final: true},
	}))
	assert.Equal(t, []byte("hellobye"), side.written)
	assert.True(t, side.closed, "final tag closes the send side")

	err := tr.Send(&Unit{Payload: []byte("x"), Stream: &StreamTag{ID: 12, Length: 1}})
	assert.ErrorIs(t, err, ErrStreamClosed, "unknown id")

	err = tr.Send(&Unit{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrInvariantViolation, "untagged unit")
}

// TestQUICTransport_SendWriteFailure maps the write error and leaves the
// send side registered for the caller to release.
func TestQUICTransport_SendWriteFailure(t *testing.T) {
	tr, _ := newTestTransport()
	side := &fakeSendSide{writeErr: &quic.StreamError{StreamID: 4, ErrorCode: 3}}
	tr.registerSend(4, side)

	err := tr.Send(&Unit{Payload: []byte("x"), Stream: &StreamTag{ID: 4, Length: 1}})
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.False(t, side.closed)
}
