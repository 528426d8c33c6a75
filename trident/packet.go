// Package trident implements the three-channel verification pipeline
// (§4.6): Transmit -> Receive -> Verify, accumulating a write/read/execute
// permission chain over a packet as it advances through the "rational
// wheel" (0 -> 120 -> 240 degrees).
package trident

import (
	"time"

	"github.com/polycore/runtime/duplex"
)

// Channel identifies one of the three pipeline stages, both as a packet's
// current owner and as the destination a forwarding stage stamps onto the
// packet before handing it off.
type Channel uint8

const (
	ChannelTransmit Channel = 0
	ChannelReceive  Channel = 1
	ChannelVerify   Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelTransmit:
		return "transmit"
	case ChannelReceive:
		return "receive"
	case ChannelVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// RWX permission bits accumulated in Verification.RWXFlags as a packet
// advances through the pipeline (§3 Trident Packet).
const (
	FlagExecute uint8 = 0x01
	FlagWrite   uint8 = 0x02
	FlagRead    uint8 = 0x04
	FlagComplete uint8 = FlagWrite | FlagRead | FlagExecute
)

// Wheel positions the topology advances through, one per channel.
const (
	WheelTransmit = 0
	WheelReceive  = 120
	WheelVerify   = 240
)

// Header carries the packet's channel ownership and sequencing metadata.
type Header struct {
	// ChannelID is the channel allowed to accept this packet next: it is
	// stamped with the *destination* channel's own id by whichever stage
	// just finished with the packet, so "a channel only accepts a packet
	// whose channel_id equals its own" (§4.6 invariant) is a single
	// equality check rather than a predecessor/successor computation.
	ChannelID     Channel
	SequenceToken uint64
	Timestamp     time.Time
	CodecVersion  uint8
}

// PayloadSection is the packet's content and its integrity anchor.
type PayloadSection struct {
	ContentHash   [32]byte
	ContentLength uint32
	// Content holds the C2-encoded bytes from channel 0 onward; channel 1
	// decodes a scratch copy to verify ContentHash but does not mutate
	// this field, so channel 2's consensus/repair math operates on the
	// same encoded bytes channel 0 produced.
	Content []byte
	// Polarity is the duplex polarity Content was encoded under. §3 does
	// not name this field explicitly, but §4.6 requires channel 1 to
	// decode "under the packet's polarity" — there is nowhere else for
	// that polarity to live, so it travels with the payload.
	Polarity duplex.Polarity
}

// Verification is the packet's accumulated permission chain and signature.
type Verification struct {
	RWXFlags           uint8
	ConsensusSignature [32]byte
	ProtocolTag        string
}

// Topology is the packet's position in the three-channel rotation.
type Topology struct {
	NextChannel   Channel
	PrevChannel   Channel
	WheelPosition int
}

// Packet is one unit of work moving through the trident pipeline (§3).
type Packet struct {
	Header       Header
	Payload      PayloadSection
	Verification Verification
	Topology     Topology
}
