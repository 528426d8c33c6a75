package crypto

import (
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// DeriveSessionKey derives a 32-byte MAC key from a handshake nonce with
// HKDF-SHA3-256, so two endpoints holding the same nonce derive the same
// key. No package in this module calls it: the coordinator's HANDSHAKE
// frames carry no nonce, and the trident verifier signs with the
// Config.SessionKey its caller supplies.
func DeriveSessionKey(handshakeNonce []byte, info string) ([32]byte, error) {
	r := hkdf.New(sha3.New256, handshakeNonce, nil, []byte(info))
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}
