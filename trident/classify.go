package trident

import (
	"math"
	"math/bits"

	"github.com/polycore/runtime/duplex"
)

// Classification is the discriminant's verdict on a packet (§3 Discriminant
// State).
type Classification int

const (
	Order Classification = iota
	Consensus
	Chaos
)

func (c Classification) String() string {
	switch c {
	case Order:
		return "ORDER"
	case Consensus:
		return "CONSENSUS"
	case Chaos:
		return "CHAOS"
	default:
		return "UNKNOWN"
	}
}

// setBitFraction returns the fraction of set bits in data, in [0, 1].
func setBitFraction(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var set int
	for _, b := range data {
		set += bits.OnesCount8(b)
	}
	return float64(set) / float64(len(data)*8)
}

// consensusMetric computes the bipartite consensus value (§9 Glossary):
// the payload's set-bit fraction combined with a sinusoidal correction
// derived from the packet's current wheel position.
func consensusMetric(payload []byte, wheelPositionDegrees int) float64 {
	rad := float64(wheelPositionDegrees) * math.Pi / 180
	return math.Abs(setBitFraction(payload)+math.Sin(rad)) / 2
}

// discriminant evaluates Δ = b² - 4ac for coefficients (a,b,c) = (1, 4·consensus, 1),
// the form spec.md §9's Open Question resolves on (not (2,4,1)).
func discriminant(consensus float64) float64 {
	a, b, c := 1.0, 4*consensus, 1.0
	return b*b - 4*a*c
}

// classify returns the discriminant value and the classification it implies.
func classify(consensus float64) (float64, Classification) {
	d := discriminant(consensus)
	switch {
	case d > 0:
		return d, Order
	case d == 0:
		return d, Consensus
	default:
		return d, Chaos
	}
}

// repairEnzyme is the involutive XOR-chain repair operation §4.6 invokes on
// CHAOS: it conjugates (XOR 0xFF) alternating bytes, with the starting
// parity selected by polarity. Applying it twice to the same input is the
// identity, since conj is its own inverse and the byte selection does not
// depend on prior output — the defining property of an "enzyme" repair,
// grounded on duplex.conj (§4.2).
func repairEnzyme(content []byte, pol duplex.Polarity) []byte {
	out := make([]byte, len(content))
	flipEven := pol == duplex.PolarityA
	for i, b := range content {
		if (i%2 == 0) == flipEven {
			out[i] = b ^ 0xFF
		} else {
			out[i] = b
		}
	}
	return out
}
