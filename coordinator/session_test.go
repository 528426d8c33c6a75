package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polycore/runtime/crypto"
	"github.com/polycore/runtime/session"
	"github.com/polycore/runtime/wire"
)

func testClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestSession(t *testing.T, validator CredentialValidator, commands FrameHandler) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })
	cfg := Config{Clock: testClock(), Provider: crypto.StdProvider{}, HeartbeatInterval: time.Hour}
	return NewSession(serverConn, cfg, validator, commands), clientConn
}

// readFrame reads one complete frame off conn, growing a local buffer until
// wire.Parse stops returning ErrNeedMore.
func readFrame(t *testing.T, conn net.Conn) *wire.Frame {
	t.Helper()
	var buf []byte
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, err := wire.Parse(crypto.StdProvider{}, buf)
		if err == nil {
			return f
		}
		need, ok := err.(wire.ErrNeedMore)
		require.True(t, ok, "unexpected parse error: %v", err)
		chunk := make([]byte, need.Required)
		n, rerr := conn.Read(chunk)
		require.NoError(t, rerr)
		buf = append(buf, chunk[:n]...)
	}
}

func TestDispatchHandshakeAuthReachesReady(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	require.Equal(t, session.StateHandshake, s.State())
	ack := readFrame(t, client)
	require.Equal(t, wire.TypeHandshake, ack.Type)

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth, Payload: []byte("creds")}))
	require.Equal(t, session.StateReady, s.State())
	ack = readFrame(t, client)
	require.Equal(t, wire.TypeAuth, ack.Type)
}

func TestDispatchAuthRejectedByValidatorStaysInHandshake(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return errors.New("bad credential") }, nil)
	ctx := context.Background()

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth, Payload: []byte("bad")}))
	require.Equal(t, session.StateHandshake, s.State())

	errFrame := readFrame(t, client)
	require.Equal(t, wire.TypeError, errFrame.Type)
}

func TestDispatchCommandBeforeReadyRejected(t *testing.T) {
	s, _ := newTestSession(t, nil, nil)
	err := s.dispatch(context.Background(), &wire.Frame{Type: wire.TypeCommand})
	require.Error(t, err)
	var cerr *CoordinatorError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrNotReady, cerr.Code)
}

func TestHandleCommandRoundTripsResponse(t *testing.T) {
	handler := func(_ context.Context, _ *Session, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return append(out, '!'), nil
	}
	s, client := newTestSession(t, func([]byte) error { return nil }, handler)
	ctx := context.Background()

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth}))
	_ = readFrame(t, client)

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeCommand, Sequence: 42, Payload: []byte("ping")}))
	require.Equal(t, session.StateReady, s.State())

	resp := readFrame(t, client)
	require.Equal(t, wire.TypeResponse, resp.Type)
	require.Equal(t, uint32(42), resp.Sequence)
	require.Equal(t, []byte("ping!"), resp.Payload)
}

func TestHandleCommandHandlerErrorEmitsErrorFrame(t *testing.T) {
	handler := func(_ context.Context, _ *Session, _ []byte) ([]byte, error) {
		return nil, errors.New("handler exploded")
	}
	s, client := newTestSession(t, func([]byte) error { return nil }, handler)
	ctx := context.Background()
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth}))
	_ = readFrame(t, client)

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeCommand, Sequence: 7}))
	resp := readFrame(t, client)
	require.Equal(t, wire.TypeError, resp.Type)
	require.Equal(t, session.StateReady, s.State())
}

func TestDispatchHeartbeatResetsMissedCount(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth}))
	_ = readFrame(t, client)

	s.mu.Lock()
	s.missed = 2
	s.mu.Unlock()

	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHeartbeat}))
	s.mu.Lock()
	missed := s.missed
	s.mu.Unlock()
	require.Equal(t, 0, missed)
}

func TestInvokeCorrelatesResponseBySequence(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth}))
	_ = readFrame(t, client)

	go func() {
		cmd := readFrame(t, client)
		require.Equal(t, wire.TypeCommand, cmd.Type)
		resp, err := wire.Encode(crypto.StdProvider{}, wire.TypeResponse, 0, cmd.Sequence, []byte("pong"))
		require.NoError(t, err)
		_, werr := client.Write(resp)
		require.NoError(t, werr)
	}()
	// Invoke only blocks on its correlation channel; something must drive
	// the session's own reader to dispatch the RESPONSE frame into it, the
	// role Run normally plays.
	go func() {
		f, rerr := s.readFrame()
		require.NoError(t, rerr)
		require.NoError(t, s.dispatch(ctx, f))
	}()

	payload, err := s.Invoke(ctx, []byte("ping"), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), payload)
}

func TestInvokeSurfacesPeerError(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeAuth}))
	_ = readFrame(t, client)

	go func() {
		cmd := readFrame(t, client)
		resp, err := wire.Encode(crypto.StdProvider{}, wire.TypeError, 0, cmd.Sequence, []byte("nope"))
		require.NoError(t, err)
		_, werr := client.Write(resp)
		require.NoError(t, werr)
	}()
	go func() {
		f, rerr := s.readFrame()
		require.NoError(t, rerr)
		// An ERROR frame correlated to a pending Invoke resolves it directly;
		// dispatch only falls back to failIntegrity when no Invoke is waiting.
		require.NoError(t, s.dispatch(ctx, f))
	}()

	_, err := s.Invoke(ctx, []byte("ping"), time.Second)
	require.Error(t, err)
	require.Equal(t, "nope", err.Error())
}

func TestInvokeTimesOutWithoutReply(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()
	// Reach READY by transitioning the machine directly, instead of through
	// dispatch, so the handshake/auth ack frames don't sit unread on the
	// pipe while Invoke's own COMMAND write blocks waiting for a peer that
	// will never read it until after the timeout fires.
	require.NoError(t, s.machine.Transition(session.StateHandshake))
	require.NoError(t, s.machine.Transition(session.StateAuth))
	require.NoError(t, s.machine.Transition(session.StateReady))

	drained := make(chan struct{})
	go func() {
		buf := make([]byte, wire.HeaderBytes+len("ping"))
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = client.Read(buf)
		close(drained)
	}()

	_, err := s.Invoke(ctx, []byte("ping"), 10*time.Millisecond)
	<-drained
	require.Error(t, err)
	var cerr *CoordinatorError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrInvokeTimeout, cerr.Code)
}

func TestInvokeCancelledTransitionsToErrorAndReleasesSlot(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	require.NoError(t, s.machine.Transition(session.StateHandshake))
	require.NoError(t, s.machine.Transition(session.StateAuth))
	require.NoError(t, s.machine.Transition(session.StateReady))

	drained := make(chan struct{})
	go func() {
		buf := make([]byte, wire.HeaderBytes+len("ping"))
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = client.Read(buf)
		close(drained)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Invoke(ctx, []byte("ping"), time.Second)
	<-drained
	require.Error(t, err)
	var cerr *CoordinatorError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrCancelled, cerr.Code)
	require.Equal(t, session.StateError, s.State())

	s.pendingMu.Lock()
	_, stillPending := s.pending[s.outSeq.Load()]
	s.pendingMu.Unlock()
	require.False(t, stillPending, "cancelled invoke must release its correlation slot")
}

func TestPeerErrorFrameTransitionsToError(t *testing.T) {
	s, client := newTestSession(t, func([]byte) error { return nil }, nil)
	ctx := context.Background()
	require.NoError(t, s.dispatch(ctx, &wire.Frame{Type: wire.TypeHandshake}))
	_ = readFrame(t, client)

	err := s.dispatch(ctx, &wire.Frame{Type: wire.TypeError, Payload: []byte("peer failed")})
	require.Error(t, err)
	require.Equal(t, session.StateError, s.State())
}
