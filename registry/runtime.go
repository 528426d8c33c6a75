// Package registry implements the registry façade (§4.8): the single
// entry point applications use to register services, resolve them to a
// live session, invoke commands against them, and shut the whole runtime
// down. Grounded on cmd/rubin-node/main.go's top-level wiring style — one
// struct owning every subsystem reference, constructed once, no global
// singleton (spec.md §9 design note).
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/polycore/runtime/coordinator"
	"github.com/polycore/runtime/resolver"
	"github.com/polycore/runtime/session"
)

// ErrorCode enumerates the structured failures Runtime operations produce.
// This is the closed public taxonomy SPEC_FULL.md §6 lists for
// register_service/resolve/invoke/shutdown. Every coordinator, resolver or
// session component error a Runtime method returns is translated to one of
// these codes; other errors (a dialer's error, a peer's plain error reply)
// pass through translateErr unchanged.
type ErrorCode string

const (
	ErrNotRegistered       ErrorCode = "NotRegistered"
	ErrChecksumMismatch    ErrorCode = "ChecksumMismatch"
	ErrVersionMismatch     ErrorCode = "VersionMismatch"
	ErrFrameTooLarge       ErrorCode = "FrameTooLarge"
	ErrInvalidTransition   ErrorCode = "InvalidTransition"
	ErrIntegrityFailure    ErrorCode = "IntegrityFailure"
	ErrPermissionChain     ErrorCode = "PermissionChainViolation"
	ErrHashMismatch        ErrorCode = "HashMismatch"
	ErrBackpressureTimeout ErrorCode = "BackpressureTimeout"
	ErrTimeout             ErrorCode = "Timeout"
	ErrCancelled           ErrorCode = "Cancelled"
	ErrAlreadyPresent      ErrorCode = "AlreadyPresent"
	ErrInvalidLabel        ErrorCode = "InvalidLabel"
)

// RuntimeError is the structured error type Runtime operations return.
type RuntimeError struct {
	Code ErrorCode
	Msg  string
}

func (e *RuntimeError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func runtimeErr(code ErrorCode, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// translateErr maps an error surfacing from a lower layer (coordinator,
// resolver) onto the closed public taxonomy above before it crosses the
// façade, per SPEC_FULL.md §6. Codes already in the closed set pass through
// with their message preserved; codes outside it are folded onto the
// closest public code:
//
//   - coordinator Unauthenticated (a rejected AUTH credential) is a failure
//     of the session's permission chain, not a wire- or frame-level fault,
//     so it becomes PermissionChainViolation.
//   - coordinator NotReady (a COMMAND arriving outside READY) is a protocol
//     sequencing fault of the same shape as an out-of-order state
//     transition, so it becomes InvalidTransition.
//   - coordinator HeartbeatTimeout (missed-heartbeat threshold exceeded) is
//     a liveness fault, so it becomes Timeout, the same code a stalled
//     Invoke reply already returns.
//   - resolver EmptyLabel/LabelTooLong/PathTooLong are folded onto the
//     single InvalidLabel code §7's structural taxonomy names for
//     malformed namespace labels.
//
// Any error that is neither a *coordinator.CoordinatorError nor a
// *resolver.ResolverError (a transport error from a Dialer, for instance)
// passes through unchanged: it did not originate inside a component this
// façade knows how to translate, and wrapping it would discard information
// callers may need (e.g. errors.Is against a net.Error).
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	var cerr *coordinator.CoordinatorError
	if errors.As(err, &cerr) {
		switch cerr.Code {
		case coordinator.ErrUnauthenticated:
			return runtimeErr(ErrPermissionChain, "%s", cerr.Msg)
		case coordinator.ErrNotReady:
			return runtimeErr(ErrInvalidTransition, "%s", cerr.Msg)
		case coordinator.ErrHeartbeatTimeout:
			return runtimeErr(ErrTimeout, "%s", cerr.Msg)
		case coordinator.ErrFrameTooLarge:
			return runtimeErr(ErrFrameTooLarge, "%s", cerr.Msg)
		case coordinator.ErrInvokeTimeout:
			return runtimeErr(ErrTimeout, "%s", cerr.Msg)
		case coordinator.ErrCancelled:
			return runtimeErr(ErrCancelled, "%s", cerr.Msg)
		default:
			return runtimeErr(ErrIntegrityFailure, "%s", cerr.Error())
		}
	}

	var rerr *resolver.ResolverError
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case resolver.ErrAlreadyPresent:
			return runtimeErr(ErrAlreadyPresent, "%s", rerr.Msg)
		case resolver.ErrEmptyLabel, resolver.ErrLabelTooLong, resolver.ErrPathTooLong:
			return runtimeErr(ErrInvalidLabel, "%s", rerr.Msg)
		default:
			return runtimeErr(ErrInvalidLabel, "%s", rerr.Error())
		}
	}

	return err
}

// Dialer opens a transport connection for an endpoint Resolve just looked
// up. resolver.Endpoint carries only {protocol, port, path} (§3 Data
// Model) — no host — so turning a resolved endpoint into a net.Conn is an
// application-level concern supplied here, the same way node.NewSyncEngine
// and node.NewMiner take their storage/network dependencies as
// constructor arguments rather than constructing them internally.
type Dialer func(ctx context.Context, labels []string, ep resolver.Endpoint) (net.Conn, error)

// Runtime is the registry façade: a single struct holding references to
// the resolver, the live session table, and the dialer/session config
// needed to open new sessions on demand.
type Runtime struct {
	tree       *resolver.Tree
	sessions   *coordinator.Registry
	sessionCfg coordinator.Config
	credential []byte
	commands   coordinator.FrameHandler
	dial       Dialer

	mu    sync.Mutex
	byKey map[string]*coordinator.Session
}

// NewRuntime constructs a Runtime over an existing resolver tree. dial is
// invoked by Resolve whenever no live, READY session exists yet for a
// label sequence; credential is what Dial presents to the peer's AUTH
// validator; commands handles inbound COMMAND frames addressed to sessions
// this runtime opens.
func NewRuntime(tree *resolver.Tree, dial Dialer, sessionCfg coordinator.Config, credential []byte, commands coordinator.FrameHandler) *Runtime {
	return &Runtime{
		tree:       tree,
		sessions:   coordinator.NewRegistry(),
		sessionCfg: sessionCfg,
		credential: credential,
		commands:   commands,
		dial:       dial,
		byKey:      make(map[string]*coordinator.Session),
	}
}

// RegisterService stores endpoint under labels in the resolver (§4.8).
func (r *Runtime) RegisterService(labels []string, endpoint resolver.Endpoint) error {
	return translateErr(r.tree.Register(labels, endpoint))
}

// Resolve looks labels up in the resolver and, if no live READY session is
// already cached for them, transparently dials and bootstraps a new one
// (§4.8: "may transparently open a new session via C7 if none exists").
func (r *Runtime) Resolve(ctx context.Context, labels []string) (*coordinator.Session, resolver.Endpoint, error) {
	ep, ok := r.tree.Lookup(labels)
	if !ok {
		return nil, resolver.Endpoint{}, runtimeErr(ErrNotRegistered, "%v", labels)
	}

	key := labelKey(labels)
	r.mu.Lock()
	if s, cached := r.byKey[key]; cached && s.State() == session.StateReady {
		r.mu.Unlock()
		return s, ep, nil
	}
	r.mu.Unlock()

	conn, err := r.dial(ctx, labels, ep)
	if err != nil {
		return nil, ep, err
	}
	s, err := coordinator.Dial(ctx, conn, r.sessionCfg, r.credential, r.commands)
	if err != nil {
		_ = conn.Close()
		return nil, ep, translateErr(err)
	}
	r.sessions.Add(s)
	go func() { _ = s.Run(context.Background()) }()

	r.mu.Lock()
	r.byKey[key] = s
	r.mu.Unlock()
	return s, ep, nil
}

// Invoke resolves labels to a session and sends command_bytes as a COMMAND
// frame, returning the matching RESPONSE payload or a structured error
// (§4.8). Correlation by sequence number happens inside Session.Invoke.
func (r *Runtime) Invoke(ctx context.Context, labels []string, commandBytes []byte, timeout time.Duration) ([]byte, error) {
	s, _, err := r.Resolve(ctx, labels)
	if err != nil {
		return nil, err
	}
	payload, err := s.Invoke(ctx, commandBytes, timeout)
	if err != nil {
		return nil, translateErr(err)
	}
	return payload, nil
}

// Shutdown transitions every live session to SHUTDOWN within deadline. It
// is idempotent: a second call finds an empty session table and returns
// immediately.
func (r *Runtime) Shutdown(ctx context.Context, deadline time.Duration) {
	r.sessions.Shutdown(ctx, deadline)
	r.mu.Lock()
	r.byKey = make(map[string]*coordinator.Session)
	r.mu.Unlock()
}

func labelKey(labels []string) string {
	return strings.Join(labels, ".")
}
