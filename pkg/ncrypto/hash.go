//go:build !nlink_sha512

package ncrypto

import (
	"golang.org/x/crypto/blake2b"
)

// HashSize is the output size of the handshake hash.
const HashSize = blake2b.Size

// HashName identifies which primitive this build uses, for diagnostics.
const HashName = "BLAKE2b-512"

// Hash hashes data with the build's chosen handshake hash function. spec.md
// §9 leaves the choice of BLAKE2b vs SHA-512 as a per-deployment,
// compile-time decision ("both are interoperable within a single deployment
// only"); this file is the BLAKE2b build (the default). Building with the
// nlink_sha512 tag selects hash_sha512.go instead.
func Hash(data ...[]byte) [HashSize]byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic("ncrypto: blake2b.New512: " + err.Error()) // only fails for bad key/size args, which we never pass
	}
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashChallenge hashes the challenge n times, as required by §4.3's
// ChallengeResponse proof-of-work: "client hashes the challenge N times".
func HashChallenge(challenge []byte, n int) [HashSize]byte {
	out := Hash(challenge)
	for i := 1; i < n; i++ {
		out = Hash(out[:])
	}
	return out
}
