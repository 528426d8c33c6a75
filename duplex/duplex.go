// Package duplex implements the sparse duplex codec (§4.2): a conjugate-XOR
// transform used by the trident pipeline's transmit channel to scramble
// payload bytes before they cross the wire.
//
// The reference material this codec is distilled from (nsigii.go's
// RiftEncode) combines two input bytes into a single output byte per pair,
// which is information-lossy: no decode can recover both original bytes from
// one combined byte. spec.md §8 nonetheless requires an exact round trip,
// duplex_decode(duplex_encode(b, pol), pol) == b, for arbitrary byte
// sequences. Those two requirements cannot both hold over a literal 2:1
// compression, so this package keeps the named operations (conj, the two
// polarity formulas) but applies them as a length-preserving pairwise
// scramble: one element of each pair passes through unchanged as an anchor,
// the other carries the polarity's XOR/conjugate formula, and decode uses
// the anchor to invert it. See DESIGN.md for the Open Question writeup.
package duplex

import "fmt"

// Polarity selects one of the two dual encodings. wire.Flags defines no
// polarity bit; the trident pipeline carries the polarity in its packet's
// PayloadSection.Polarity. Decoders must honor it verbatim and never infer
// it (spec §9 Open Question).
type Polarity byte

const (
	PolarityA Polarity = 0
	PolarityB Polarity = 1
)

func (p Polarity) String() string {
	switch p {
	case PolarityA:
		return "A"
	case PolarityB:
		return "B"
	default:
		return fmt.Sprintf("Polarity(%d)", byte(p))
	}
}

// conj is the nibble-wise conjugate: conj(x) = x XOR 0x0F applied to both
// the high and low nibble, equivalent to a byte-wide XOR with 0xFF.
func conj(x byte) byte {
	return x ^ 0xFF
}

// Encode transforms in using the sparse duplex transform for the given
// polarity. Consecutive input bytes are taken as pairs (a, b); a trailing
// unpaired byte is passed through unchanged; no sentinel byte is emitted
// or applied to it. The result has the same length as in.
func Encode(in []byte, pol Polarity) []byte {
	out := make([]byte, len(in))
	i := 0
	for i < len(in) {
		if i+1 >= len(in) {
			out[i] = in[i]
			break
		}
		a, b := in[i], in[i+1]
		switch pol {
		case PolarityA:
			out[i] = a
			out[i+1] = a ^ conj(b)
		default: // PolarityB
			out[i] = conj(a) ^ b
			out[i+1] = b
		}
		i += 2
	}
	return out
}

// Decode reverses Encode for the given polarity. Callers must pass the same
// polarity used to encode; duplex carries no self-describing tag.
func Decode(in []byte, pol Polarity) []byte {
	out := make([]byte, len(in))
	i := 0
	for i < len(in) {
		if i+1 >= len(in) {
			out[i] = in[i]
			break
		}
		switch pol {
		case PolarityA:
			a := in[i]
			b := conj(in[i+1] ^ a)
			out[i], out[i+1] = a, b
		default: // PolarityB
			b := in[i+1]
			a := conj(in[i] ^ b)
			out[i], out[i+1] = a, b
		}
		i += 2
	}
	return out
}
