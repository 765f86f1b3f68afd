//go:build nlink_sha512

package ncrypto

import "crypto/sha512"

// HashSize is the output size of the handshake hash.
const HashSize = sha512.Size

// HashName identifies which primitive this build uses, for diagnostics.
const HashName = "SHA-512"

// Hash is the SHA-512 build of the handshake hash function. See hash.go for
// the BLAKE2b build, which is the default.
func Hash(data ...[]byte) [HashSize]byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashChallenge hashes the challenge n times.
func HashChallenge(challenge []byte, n int) [HashSize]byte {
	out := Hash(challenge)
	for i := 1; i < n; i++ {
		out = Hash(out[:])
	}
	return out
}
