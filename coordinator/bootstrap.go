package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/polycore/runtime/session"
	"github.com/polycore/runtime/wire"
)

// Dial wraps conn in a new Session and drives the client-side handshake/auth
// sequence to completion before returning, mirroring the split between
// node/p2p_runtime.go's PerformVersionHandshake (initiator-side, runs to
// completion and returns) and PeerSession.Run (the ongoing post-handshake
// loop, started separately once the session is READY).
func Dial(ctx context.Context, conn net.Conn, cfg Config, credential []byte, commands FrameHandler) (*Session, error) {
	s := NewSession(conn, cfg, nil, commands)

	if err := s.writeFrame(wire.TypeHandshake, 0, nil); err != nil {
		return nil, err
	}
	if err := s.transition(session.StateHandshake); err != nil {
		return nil, err
	}
	if _, err := s.readHandshakeFrame(ctx, wire.TypeHandshake); err != nil {
		return nil, err
	}

	if err := s.writeFrame(wire.TypeAuth, 0, credential); err != nil {
		return nil, err
	}
	reply, err := s.readHandshakeFrame(ctx, wire.TypeAuth)
	if err != nil {
		return nil, err
	}
	if reply.Type == wire.TypeError {
		return nil, coordErr(ErrUnauthenticated, "peer rejected credential: %s", reply.Payload)
	}
	if err := s.transition(session.StateAuth); err != nil {
		return nil, err
	}
	if err := s.transition(session.StateReady); err != nil {
		return nil, err
	}
	return s, nil
}

// readHandshakeFrame reads one frame during Dial's bootstrap sequence,
// accepting either the expected type or an ERROR (which the caller
// interprets itself).
func (s *Session) readHandshakeFrame(ctx context.Context, want wire.Type) (*wire.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else if s.cfg.ReadDeadline > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline))
	}
	f, err := s.readFrame()
	if err != nil {
		return nil, err
	}
	if f.Type != want && f.Type != wire.TypeError {
		return nil, coordErr(ErrNotReady, "expected %s or ERROR during bootstrap, got %s", want, f.Type)
	}
	return f, nil
}
