// Package coordinator binds a byte-oriented endpoint to a session state
// machine (§4.7): it accepts inbound bytes, feeds them to the wire framer's
// incremental parser, demultiplexes parsed frames by type, drives the
// session machine's transitions accordingly, invokes the registered
// callback, and frames/emits outbound responses. Grounded directly on
// node/p2p_runtime.go's PeerSession/PeerManager pair.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polycore/runtime/crypto"
	"github.com/polycore/runtime/internal/telemetry"
	"github.com/polycore/runtime/session"
	"github.com/polycore/runtime/wire"
)

const (
	defaultReadDeadline        = 15 * time.Second
	defaultWriteDeadline       = 15 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultMaxMissedHeartbeats = 3
	defaultMaxFrameBytes       = 1 << 20 // 1 MiB (§9 default)
)

// CredentialValidator checks a peer-supplied AUTH payload, opaque to the
// coordinator itself; the application supplies the validator (§4.7).
type CredentialValidator func(credential []byte) error

// FrameHandler processes a COMMAND frame's payload and returns the bytes to
// carry back in the matching RESPONSE frame, or an error to emit as ERROR.
type FrameHandler func(ctx context.Context, s *Session, payload []byte) ([]byte, error)

// Config configures a Session's I/O deadlines, heartbeat cadence, and frame
// size ceiling.
type Config struct {
	ReadDeadline        time.Duration
	WriteDeadline       time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	MaxFrameBytes       int
	Clock               func() time.Time
	Provider            crypto.Provider

	// Metrics records session state transitions (A3). Nil disables
	// recording, matching every optional Config field's zero-value
	// behavior.
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = defaultReadDeadline
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = defaultWriteDeadline
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = defaultMaxMissedHeartbeats
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Provider == nil {
		c.Provider = crypto.StdProvider{}
	}
	return c
}

// ErrorCode enumerates the structured failures coordinator operations
// produce.
type ErrorCode string

const (
	ErrUnauthenticated  ErrorCode = "Unauthenticated"
	ErrNotReady         ErrorCode = "NotReady"
	ErrHeartbeatTimeout ErrorCode = "HeartbeatTimeout"
	ErrFrameTooLarge    ErrorCode = "FrameTooLarge"
	ErrInvokeTimeout    ErrorCode = "Timeout"
	ErrCancelled        ErrorCode = "Cancelled"
)

// CoordinatorError is the structured error type coordinator operations
// return.
type CoordinatorError struct {
	Code ErrorCode
	Msg  string
}

func (e *CoordinatorError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func coordErr(code ErrorCode, format string, args ...any) *CoordinatorError {
	return &CoordinatorError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Session binds a net.Conn to a session.Machine. Exactly one goroutine —
// the one running Run — drives its state machine and owns its reader, per
// the single-owner-goroutine contract the session package requires.
type Session struct {
	ID   string
	conn net.Conn

	reader *bufio.Reader
	buf    []byte

	cfg       Config
	machine   *session.Machine
	validator CredentialValidator
	commands  FrameHandler

	mu         sync.Mutex
	writer     *bufio.Writer
	outSeq     atomic.Uint32
	lastBeatIn time.Time
	missed     int

	pendingMu sync.Mutex
	pending   map[uint32]chan invokeResult
}

// invokeResult is what a RESPONSE or ERROR frame delivers to a waiting
// Invoke call, correlated by sequence number (§4.8).
type invokeResult struct {
	Payload []byte
	Err     error
}

// NewSession wraps conn in a new Session in StateInit. validator is
// consulted on every AUTH frame; commands is invoked for every COMMAND
// frame once the session has reached READY.
func NewSession(conn net.Conn, cfg Config, validator CredentialValidator, commands FrameHandler) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		cfg:       cfg,
		machine:   session.NewWithClock(cfg.Provider, cfg.Clock),
		validator: validator,
		commands:  commands,
		pending:   make(map[uint32]chan invokeResult),
	}
}

// Invoke sends a COMMAND frame carrying payload and waits for the matching
// RESPONSE or ERROR, correlated by sequence number (§4.8). It fails fast
// with NotReady if the session has not completed its handshake/auth, with
// a Timeout error if no reply arrives within timeout, and with Cancelled
// if ctx is done first — cancellation also transitions the session to
// ERROR and releases its queue slot (§5).
func (s *Session) Invoke(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if s.machine.Current() != session.StateReady {
		return nil, coordErr(ErrNotReady, "session %s is not READY", s.ID)
	}

	seq := s.outSeq.Add(1)
	ch := make(chan invokeResult, 1)
	s.pendingMu.Lock()
	s.pending[seq] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
	}()

	if err := s.writeFrame(wire.TypeCommand, seq, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.Payload, r.Err
	case <-timer.C:
		return nil, coordErr(ErrInvokeTimeout, "invoke timed out after %s", timeout)
	case <-ctx.Done():
		_ = s.failIntegrity(fmt.Sprintf("invoke cancelled: %s", ctx.Err()))
		return nil, coordErr(ErrCancelled, "invoke cancelled: %s", ctx.Err())
	}
}

// resolveInvoke delivers a RESPONSE/ERROR frame to the waiting Invoke call
// for sequence, if any, reporting whether one was found.
func (s *Session) resolveInvoke(sequence uint32, payload []byte, err error) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[sequence]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- invokeResult{Payload: payload, Err: err}
	return true
}

// State returns the session's current lifecycle state.
func (s *Session) State() session.State {
	return s.machine.Current()
}

// transition drives the session machine and, on success, records the edge
// to Metrics if one is configured.
func (s *Session) transition(next session.State) error {
	from := s.machine.Current()
	if err := s.machine.Transition(next); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionTransition(from.String(), next.String())
	}
	return nil
}

// failIntegrity forces the session to ERROR and records the edge to Metrics
// if one is configured.
func (s *Session) failIntegrity(msg string) error {
	from := s.machine.Current()
	err := s.machine.FailIntegrity(msg)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionTransition(from.String(), session.StateError.String())
	}
	return err
}

// Run drives the session until ctx is cancelled, the peer closes the
// connection, or an unrecoverable I/O error occurs. It returns nil on a
// clean peer-initiated close or context cancellation.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	heartbeats := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	go s.runHeartbeat(ctx, heartbeats, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := s.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			var cerr *CoordinatorError
			if errors.As(err, &cerr) && cerr.Code == ErrFrameTooLarge {
				_ = s.writeFrame(wire.TypeError, 0, []byte(cerr.Error()))
				continue
			}
			return err
		}

		if err := s.dispatch(ctx, frame); err != nil {
			_ = s.failIntegrity(err.Error())
			return err
		}
	}
}

// runHeartbeat emits a HEARTBEAT frame every tick once READY and forces the
// session to ERROR after MaxMissedHeartbeats consecutive misses (§4.7).
func (s *Session) runHeartbeat(ctx context.Context, ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if s.machine.Current() != session.StateReady {
				continue
			}
			s.mu.Lock()
			s.missed++
			tooMany := s.missed > s.cfg.MaxMissedHeartbeats
			s.mu.Unlock()
			if tooMany {
				_ = s.failIntegrity("heartbeat timeout")
				continue
			}
			_ = s.writeFrame(wire.TypeHeartbeat, 0, nil)
		}
	}
}

// dispatch demultiplexes a parsed frame by type and drives the session
// machine's transitions accordingly (§4.7).
func (s *Session) dispatch(ctx context.Context, f *wire.Frame) error {
	switch f.Type {
	case wire.TypeHandshake:
		if s.machine.Current() == session.StateInit {
			if err := s.transition(session.StateHandshake); err != nil {
				return err
			}
		}
		return s.writeFrame(wire.TypeHandshake, 0, nil)

	case wire.TypeAuth:
		if s.machine.Current() != session.StateHandshake {
			return coordErr(ErrNotReady, "AUTH received outside HANDSHAKE")
		}
		if s.validator != nil {
			if err := s.validator(f.Payload); err != nil {
				_ = s.writeFrame(wire.TypeError, 0, []byte(err.Error()))
				return nil
			}
		}
		if err := s.transition(session.StateAuth); err != nil {
			return err
		}
		if err := s.transition(session.StateReady); err != nil {
			return err
		}
		s.mu.Lock()
		s.missed = 0
		s.mu.Unlock()
		return s.writeFrame(wire.TypeAuth, 0, nil)

	case wire.TypeHeartbeat:
		s.mu.Lock()
		s.missed = 0
		s.lastBeatIn = s.cfg.Clock()
		s.mu.Unlock()
		return nil

	case wire.TypeCommand:
		return s.handleCommand(ctx, f)

	case wire.TypeResponse:
		s.resolveInvoke(f.Sequence, f.Payload, nil)
		return nil

	case wire.TypeError:
		if s.resolveInvoke(f.Sequence, nil, errors.New(string(f.Payload))) {
			return nil
		}
		return s.failIntegrity(fmt.Sprintf("peer signalled error: %s", f.Payload))

	default:
		return nil
	}
}

func (s *Session) handleCommand(ctx context.Context, f *wire.Frame) error {
	if s.machine.Current() != session.StateReady {
		return coordErr(ErrNotReady, "COMMAND received outside READY")
	}
	if err := s.transition(session.StateExecuting); err != nil {
		return err
	}

	var resp []byte
	var cmdErr error
	if s.commands != nil {
		resp, cmdErr = s.commands(ctx, s, f.Payload)
	}

	if err := s.transition(session.StateReady); err != nil {
		return err
	}

	if cmdErr != nil {
		return s.writeFrame(wire.TypeError, f.Sequence, []byte(cmdErr.Error()))
	}
	return s.writeFrame(wire.TypeResponse, f.Sequence, resp)
}

// readFrame buffers bytes from the connection until wire.Parse reports a
// complete frame, then advances past it.
func (s *Session) readFrame() (*wire.Frame, error) {
	for {
		if total, ok := wire.PeekLength(s.buf); ok && total > s.cfg.MaxFrameBytes {
			if derr := s.discardFrame(total); derr != nil {
				return nil, derr
			}
			return nil, coordErr(ErrFrameTooLarge, "declared frame length %d exceeds max %d", total, s.cfg.MaxFrameBytes)
		}

		if frame, n, err := tryParse(s.cfg.Provider, s.buf); err == nil {
			s.buf = s.buf[n:]
			return frame, nil
		} else if _, ok := err.(wire.ErrNeedMore); ok {
			// fall through to buffer more bytes
		} else {
			return nil, err
		}

		if s.cfg.ReadDeadline > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline)); err != nil {
				return nil, err
			}
		}
		chunk := make([]byte, 4096)
		n, err := s.reader.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// discardFrame drops the oversize frame's remaining bytes from the
// connection so the reader resyncs on the next frame's header, given total
// (the oversize frame's full header+payload length, already known from its
// declared payload_length).
func (s *Session) discardFrame(total int) error {
	if len(s.buf) >= total {
		s.buf = s.buf[total:]
		return nil
	}
	remaining := total - len(s.buf)
	s.buf = nil
	for remaining > 0 {
		if s.cfg.ReadDeadline > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline)); err != nil {
				return err
			}
		}
		chunk := make([]byte, min(remaining, 4096))
		n, err := s.reader.Read(chunk)
		remaining -= n
		if err != nil {
			return err
		}
	}
	return nil
}

func tryParse(p crypto.Provider, buf []byte) (*wire.Frame, int, error) {
	f, err := wire.Parse(p, buf)
	if err != nil {
		return nil, 0, err
	}
	return f, f.Len(), nil
}

func (s *Session) writeFrame(typ wire.Type, sequence uint32, payload []byte) error {
	if sequence == 0 {
		sequence = s.outSeq.Add(1)
	}
	encoded, err := wire.Encode(s.cfg.Provider, typ, 0, sequence, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.WriteDeadline > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline)); err != nil {
			return err
		}
	}
	if _, err := s.writer.Write(encoded); err != nil {
		return err
	}
	return s.writer.Flush()
}

// Close transitions the session to SHUTDOWN (if the current state permits
// it, i.e. READY or ERROR — every other state must reach one of those
// first) and closes the underlying connection.
func (s *Session) Close() error {
	switch s.machine.Current() {
	case session.StateReady, session.StateError:
		_ = s.transition(session.StateShutdown)
	}
	return s.conn.Close()
}
