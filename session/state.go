// Package session implements the session state machine (§4.4): guarded
// transitions, on_exit/on_enter effects, integrity-checked snapshots, and
// per-state diagnostics, owned exclusively by one coordinator goroutine.
package session

import "fmt"

// State is one of the seven session lifecycle states.
type State uint8

const (
	StateInit State = iota
	StateHandshake
	StateAuth
	StateReady
	StateExecuting
	StateError
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshake:
		return "HANDSHAKE"
	case StateAuth:
		return "AUTH"
	case StateReady:
		return "READY"
	case StateExecuting:
		return "EXECUTING"
	case StateError:
		return "ERROR"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// permitted lists the edges allowed out of each state (§4.4).
var permitted = map[State][]State{
	StateInit:      {StateHandshake, StateError},
	StateHandshake: {StateAuth, StateError},
	StateAuth:      {StateReady, StateError},
	StateReady:     {StateExecuting, StateShutdown, StateError},
	StateExecuting: {StateReady, StateError},
	StateError:     {StateShutdown},
}

func isPermitted(old, next State) bool {
	for _, candidate := range permitted[old] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ErrorCode enumerates the structured failures the session machine produces.
type ErrorCode string

const (
	ErrInvalidTransition    ErrorCode = "InvalidTransition"
	ErrGuardRejected        ErrorCode = "GuardRejected"
	ErrStateLocked          ErrorCode = "StateLocked"
	ErrReentrantTransition  ErrorCode = "ReentrantTransition"
	ErrIntegrityViolation   ErrorCode = "IntegrityViolation"
	ErrStaleSnapshot        ErrorCode = "StaleSnapshot"
)

// StateError is returned by Machine operations that fail.
type StateError struct {
	Code ErrorCode
	Msg  string
}

func (e *StateError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func stateErr(code ErrorCode, format string, args ...any) *StateError {
	return &StateError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
