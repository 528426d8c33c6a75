package crypto

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Digest returns the SHA3-256 digest of data.
func Digest(data []byte) [32]byte {
	h := sha3.New256()
	_, _ = h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MAC returns the keyed HMAC-SHA3-256 of data under key.
func MAC(key, data []byte) [32]byte {
	m := hmac.New(func() hash.Hash { return sha3.New256() }, key)
	_, _ = m.Write(data)
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Checksum computes a 32-bit one's-complement folding sum over data,
// the frame-integrity checksum used by the wire framer (§6). It is
// deliberately non-cryptographic: cheap enough to run on every frame.
func Checksum(data []byte) uint32 {
	var sum uint64
	n := len(data)
	i := 0
	for ; i+3 < n; i += 4 {
		sum += uint64(binary.BigEndian.Uint32(data[i:]))
	}
	if i < n {
		var tail [4]byte
		copy(tail[:], data[i:])
		sum += uint64(binary.BigEndian.Uint32(tail[:]))
	}
	for sum>>32 != 0 {
		sum = (sum & 0xFFFFFFFF) + (sum >> 32)
	}
	return uint32(sum)
}
