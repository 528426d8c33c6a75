package trident

import "fmt"

// ErrorCode enumerates the structured failures the trident pipeline
// produces, grounded on consensus.ErrorCode/consensus.TxError's
// code-plus-message pattern.
type ErrorCode string

const (
	ErrHashMismatch              ErrorCode = "HashMismatch"
	ErrPermissionChainViolation  ErrorCode = "PermissionChainViolation"
	ErrWheelPositionMismatch     ErrorCode = "WheelPositionMismatch"
	ErrChannelMismatch           ErrorCode = "ChannelMismatch"
	ErrIntegrityFailure          ErrorCode = "IntegrityFailure"
	ErrProtocolTagRejected       ErrorCode = "ProtocolTagRejected"
	ErrBackpressureTimeout       ErrorCode = "BackpressureTimeout"
)

// TridentError is the structured error type for pipeline operations.
type TridentError struct {
	Code    ErrorCode
	Channel Channel
	Seq     uint64
	Msg     string
}

func (e *TridentError) Error() string {
	return fmt.Sprintf("trident[%s] seq=%d %s: %s", e.Channel, e.Seq, e.Code, e.Msg)
}

func tridentErr(code ErrorCode, ch Channel, seq uint64, format string, args ...any) *TridentError {
	return &TridentError{Code: code, Channel: ch, Seq: seq, Msg: fmt.Sprintf(format, args...)}
}
