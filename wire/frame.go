// Package wire implements the frame codec (§6): a fixed 16-byte header
// followed by an opaque payload, carrying HANDSHAKE/AUTH/COMMAND/RESPONSE/
// ERROR/HEARTBEAT traffic between the coordinator and its peers.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/polycore/runtime/crypto"
)

// HeaderBytes is the fixed header length for every frame.
const HeaderBytes = 16

// ProtocolVersion is the version byte this build emits.
const ProtocolVersion uint8 = 1

// Type identifies the kind of frame.
type Type uint8

const (
	TypeHandshake Type = 0x01
	TypeAuth      Type = 0x02
	TypeCommand   Type = 0x03
	TypeResponse  Type = 0x04
	TypeError     Type = 0x05
	TypeHeartbeat Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeAuth:
		return "AUTH"
	case TypeCommand:
		return "COMMAND"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Flags is a bitset carried in the header.
type Flags uint16

const (
	FlagEncrypted  Flags = 1 << 0
	FlagCompressed Flags = 1 << 1
	FlagUrgent     Flags = 1 << 2
	FlagReliable   Flags = 1 << 3
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Frame is a fully parsed, immutable wire frame.
type Frame struct {
	Version  uint8
	Type     Type
	Flags    Flags
	Sequence uint32
	Payload  []byte
}

// ErrorCode enumerates the structured failures wire operations can produce.
type ErrorCode string

const (
	ErrFrameTooLarge    ErrorCode = "FrameTooLarge"
	ErrChecksumMismatch ErrorCode = "ChecksumMismatch"
	ErrVersionMismatch  ErrorCode = "VersionMismatch"
)

// WireError is the structured error type returned by Parse.
type WireError struct {
	Code ErrorCode
	Msg  string
}

func (e *WireError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func wireErr(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrNeedMore signals that Parse was handed a truncated frame; Required is
// the number of additional bytes the caller needs to append to what it
// passed before calling Parse again.
type ErrNeedMore struct {
	Required int
}

func (e ErrNeedMore) Error() string {
	return fmt.Sprintf("wire: need %d more bytes", e.Required)
}

// Encode serializes a frame to bytes: header (network byte order) with the
// checksum computed over the header-with-zeroed-checksum-field concatenated
// with payload, followed by payload.
func Encode(p crypto.Provider, typ Type, flags Flags, sequence uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, wireErr(ErrFrameTooLarge, "payload length %d exceeds max %d", len(payload), MaxPayloadBytes)
	}

	buf := make([]byte, HeaderBytes+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(flags))
	binary.BigEndian.PutUint32(buf[4:8], sequence)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	// checksum field (buf[12:16]) stays zero for the checksum computation
	copy(buf[HeaderBytes:], payload)

	sum := p.Checksum(buf)
	binary.BigEndian.PutUint32(buf[12:16], sum)
	return buf, nil
}

// MaxPayloadBytes bounds payload_length; Parse rejects any declared length
// beyond it with FrameTooLarge before attempting to buffer the payload.
const MaxPayloadBytes = 16 * 1024 * 1024

// Parse reads a single frame from the front of data. It returns the parsed
// Frame on success, an ErrNeedMore if data does not yet hold a complete
// frame, or a *WireError for a malformed frame (oversize, checksum
// mismatch, or incompatible major version).
func Parse(p crypto.Provider, data []byte) (*Frame, error) {
	if len(data) < HeaderBytes {
		return nil, ErrNeedMore{Required: HeaderBytes - len(data)}
	}

	version := data[0]
	typ := Type(data[1])
	flags := Flags(binary.BigEndian.Uint16(data[2:4]))
	sequence := binary.BigEndian.Uint32(data[4:8])
	payloadLen := binary.BigEndian.Uint32(data[8:12])
	declaredChecksum := binary.BigEndian.Uint32(data[12:16])

	// §4.3's order is load-bearing: payload_length is checked against the
	// ceiling before anything else, ahead of even the version check, so an
	// oversize frame from an incompatible-version peer is still reported as
	// FrameTooLarge rather than VersionMismatch.
	if payloadLen > MaxPayloadBytes {
		return nil, wireErr(ErrFrameTooLarge, "declared payload_length %d exceeds max %d", payloadLen, MaxPayloadBytes)
	}

	total := HeaderBytes + int(payloadLen)
	if len(data) < total {
		return nil, ErrNeedMore{Required: total - len(data)}
	}

	if version != ProtocolVersion {
		return nil, wireErr(ErrVersionMismatch, "peer version %d, local %d", version, ProtocolVersion)
	}

	verifyBuf := make([]byte, total)
	copy(verifyBuf, data[:total])
	verifyBuf[12], verifyBuf[13], verifyBuf[14], verifyBuf[15] = 0, 0, 0, 0
	computed := p.Checksum(verifyBuf)
	if computed != declaredChecksum {
		return nil, wireErr(ErrChecksumMismatch, "declared=%08x computed=%08x", declaredChecksum, computed)
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderBytes:total])

	return &Frame{
		Version:  version,
		Type:     typ,
		Flags:    flags,
		Sequence: sequence,
		Payload:  payload,
	}, nil
}

// Len returns the total wire length (header + payload) of f.
func (f *Frame) Len() int {
	return HeaderBytes + len(f.Payload)
}

// PeekLength reads the declared total frame length (header + payload) out
// of a buffer that holds at least HeaderBytes, without validating version,
// the MaxPayloadBytes ceiling, or the checksum. Callers use it to enforce
// their own buffering ceiling before the rest of an oversize frame has even
// arrived, rather than waiting for Parse to see the whole thing.
func PeekLength(data []byte) (int, bool) {
	if len(data) < HeaderBytes {
		return 0, false
	}
	payloadLen := binary.BigEndian.Uint32(data[8:12])
	return HeaderBytes + int(payloadLen), true
}
