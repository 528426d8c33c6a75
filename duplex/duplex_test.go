package duplex

import (
	"bytes"
	"testing"
)

func TestConjInvolution(t *testing.T) {
	for x := 0; x < 256; x++ {
		if got := conj(conj(byte(x))); got != byte(x) {
			t.Fatalf("conj is not involutive at x=%d: got %d", x, got)
		}
	}
}

func TestRoundTripEvenLength(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00, 0x00},
		{0xFF, 0x00, 0x00, 0xFF},
		[]byte("polycore runtime trident channel"),
	}
	for _, pol := range []Polarity{PolarityA, PolarityB} {
		for _, c := range cases {
			if len(c)%2 != 0 {
				continue
			}
			enc := Encode(c, pol)
			if len(enc) != len(c) {
				t.Fatalf("polarity %s: Encode changed length: in=%d out=%d", pol, len(c), len(enc))
			}
			dec := Decode(enc, pol)
			if !bytes.Equal(dec, c) {
				t.Fatalf("polarity %s: round trip mismatch: in=%v encoded=%v decoded=%v", pol, c, enc, dec)
			}
		}
	}
}

func TestRoundTripOddLengthSentinelDiscarded(t *testing.T) {
	cases := [][]byte{
		{0x01},
		{0x01, 0x02, 0x03},
		[]byte("odd length payload"),
	}
	for _, pol := range []Polarity{PolarityA, PolarityB} {
		for _, c := range cases {
			enc := Encode(c, pol)
			if len(enc) != len(c) {
				t.Fatalf("polarity %s: Encode changed length on odd input: in=%d out=%d", pol, len(c), len(enc))
			}
			dec := Decode(enc, pol)
			if !bytes.Equal(dec, c) {
				t.Fatalf("polarity %s: odd-length round trip mismatch: in=%v decoded=%v", pol, c, dec)
			}
		}
	}
}

func TestEncodeDiffersFromInputOnNonTrivialPair(t *testing.T) {
	in := []byte{0x12, 0x34}
	for _, pol := range []Polarity{PolarityA, PolarityB} {
		enc := Encode(in, pol)
		if bytes.Equal(enc, in) {
			t.Fatalf("polarity %s: Encode left a non-trivial pair unchanged", pol)
		}
	}
}

func TestPolarityMismatchGenerallyFailsToRoundTrip(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04}
	enc := Encode(in, PolarityA)
	dec := Decode(enc, PolarityB)
	if bytes.Equal(dec, in) {
		t.Fatalf("decoding with the wrong polarity unexpectedly recovered the original input")
	}
}

func TestAllByteValuesRoundTripRandomPairs(t *testing.T) {
	in := make([]byte, 256)
	for i := range in {
		in[i] = byte(i)
	}
	for _, pol := range []Polarity{PolarityA, PolarityB} {
		enc := Encode(in, pol)
		dec := Decode(enc, pol)
		if !bytes.Equal(dec, in) {
			t.Fatalf("polarity %s: full byte-value sweep failed round trip", pol)
		}
	}
}
