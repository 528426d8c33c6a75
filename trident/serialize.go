package trident

import (
	"encoding/binary"
)

// serializeForSignature produces a deterministic byte encoding of p
// excluding Verification.ConsensusSignature, the input to
// consensus_signature = mac(session_key, serialized_packet_without_signature)
// (§4.6, channel 2).
func serializeForSignature(p *Packet) []byte {
	buf := make([]byte, 0, 64+len(p.Payload.Content)+len(p.Verification.ProtocolTag))

	var scratch [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}

	buf = append(buf, byte(p.Header.ChannelID))
	putU64(p.Header.SequenceToken)
	putU64(uint64(p.Header.Timestamp.UnixNano()))
	buf = append(buf, p.Header.CodecVersion)

	buf = append(buf, p.Payload.ContentHash[:]...)
	putU32(p.Payload.ContentLength)
	buf = append(buf, p.Payload.Content...)
	buf = append(buf, byte(p.Payload.Polarity))

	buf = append(buf, p.Verification.RWXFlags)
	buf = append(buf, p.Verification.ProtocolTag...)

	buf = append(buf, byte(p.Topology.NextChannel), byte(p.Topology.PrevChannel))
	putU32(uint32(p.Topology.WheelPosition))

	return buf
}
