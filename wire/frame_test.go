package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/polycore/runtime/crypto"
)

var provider = crypto.StdProvider{}

func TestEncodeParseRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	buf, err := Encode(provider, TypeCommand, FlagReliable, 7, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Parse(provider, buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != TypeCommand || f.Sequence != 7 || f.Flags != FlagReliable {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", f.Payload, payload)
	}
}

func TestParseNeedsMoreOnShortHeader(t *testing.T) {
	_, err := Parse(provider, []byte{0x01, 0x03})
	var needMore ErrNeedMore
	if !errors.As(err, &needMore) {
		t.Fatalf("expected ErrNeedMore, got %v (%T)", err, err)
	}
	if needMore.Required != HeaderBytes-2 {
		t.Fatalf("unexpected Required: %d", needMore.Required)
	}
}

func TestParseNeedsMoreOnTruncatedPayload(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("longer payload here"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf[:HeaderBytes+3]
	_, perr := Parse(provider, truncated)
	var needMore ErrNeedMore
	if !errors.As(perr, &needMore) {
		t.Fatalf("expected ErrNeedMore, got %v", perr)
	}
}

func TestParseRejectsOversizedDeclaredLength(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// forge payload_length to exceed MaxPayloadBytes
	buf[8], buf[9], buf[10], buf[11] = 0xFF, 0xFF, 0xFF, 0xFF
	_, perr := Parse(provider, buf)
	var wireErr *WireError
	if !errors.As(perr, &wireErr) || wireErr.Code != ErrFrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", perr)
	}
}

func TestParseRejectsVersionMismatch(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] = ProtocolVersion + 1
	_, perr := Parse(provider, buf)
	var wireErr *WireError
	if !errors.As(perr, &wireErr) || wireErr.Code != ErrVersionMismatch {
		t.Fatalf("expected VersionMismatch, got %v", perr)
	}
}

func TestParseOversizeTakesPrecedenceOverVersionMismatch(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// forge both payload_length (oversize) and version (mismatched) on the
	// same frame: §4.3 checks payload_length first, so the error must come
	// back as FrameTooLarge even though the version is also wrong.
	buf[0] = ProtocolVersion + 1
	buf[8], buf[9], buf[10], buf[11] = 0xFF, 0xFF, 0xFF, 0xFF
	_, perr := Parse(provider, buf)
	var wireErr *WireError
	if !errors.As(perr, &wireErr) || wireErr.Code != ErrFrameTooLarge {
		t.Fatalf("expected FrameTooLarge to take precedence, got %v", perr)
	}
}

func TestParseDetectsTamperedPayload(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("ping"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[HeaderBytes] ^= 0x01
	_, perr := Parse(provider, buf)
	var wireErr *WireError
	if !errors.As(perr, &wireErr) || wireErr.Code != ErrChecksumMismatch {
		t.Fatalf("expected ChecksumMismatch, got %v", perr)
	}
}

func TestParseDetectsTamperedHeaderExcludingChecksum(t *testing.T) {
	buf, err := Encode(provider, TypeCommand, 0, 1, []byte("ping"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[4] ^= 0x01 // sequence byte
	_, perr := Parse(provider, buf)
	var wireErr *WireError
	if !errors.As(perr, &wireErr) || wireErr.Code != ErrChecksumMismatch {
		t.Fatalf("expected ChecksumMismatch, got %v", perr)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(provider, TypeCommand, 0, 1, make([]byte, MaxPayloadBytes+1))
	var wireErr *WireError
	if !errors.As(err, &wireErr) || wireErr.Code != ErrFrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestFrameLen(t *testing.T) {
	f := &Frame{Payload: []byte("abc")}
	if f.Len() != HeaderBytes+3 {
		t.Fatalf("unexpected Len: %d", f.Len())
	}
}
