package ncrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// X25519PublicKeySize and X25519PrivateKeySize are the sizes of an X25519
// key, clamped per RFC 7748.
const (
	X25519PublicKeySize  = curve25519.PointSize
	X25519PrivateKeySize = curve25519.ScalarSize
)

// X25519KeyPair is an ephemeral (or short-term) Diffie-Hellman keypair used
// for the handshake's forward-secrecy exchange (§4.3).
type X25519KeyPair struct {
	Public  [X25519PublicKeySize]byte
	private [X25519PrivateKeySize]byte
}

// GenerateX25519KeyPair creates a new keypair using rng as the entropy
// source (normally the host's nrand.Generator).
func GenerateX25519KeyPair(rng io.Reader) (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rng, kp.private[:]); err != nil {
		return kp, fmt.Errorf("ncrypto: generate x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("ncrypto: derive x25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between kp's
// private key and a peer's public key.
func (kp X25519KeyPair) SharedSecret(peerPublic [X25519PublicKeySize]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("ncrypto: x25519 shared secret: %w", err)
	}
	copy(out[:], s)
	return out, nil
}

// DeriveAEADKey runs HChaCha20(sharedSecret, zero-nonce) to turn a raw X25519
// shared secret into a 32-byte AEAD key, per spec.md §4.3: "derives the
// X25519 shared secret, then runs HChaCha20(shared_secret, zero-nonce) to
// produce the 32-byte AEAD key". This is the same HChaCha20 subkey-derivation
// step XChaCha20-Poly1305 performs internally for a random nonce; here it is
// invoked explicitly with a fixed all-zero 16-byte nonce as a key-derivation
// function, not as part of sealing a packet.
func DeriveAEADKey(sharedSecret [32]byte) ([32]byte, error) {
	var zeroNonce [16]byte
	sub, err := chacha20.HChaCha20(sharedSecret[:], zeroNonce[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("ncrypto: derive aead key: %w", err)
	}
	var key [32]byte
	copy(key[:], sub)
	return key, nil
}

// RandomSalt returns a new random 64-bit salt using the OS entropy source.
// Salts are exchanged in cleartext during the handshake (§4.3) so there is
// no need to route them through the host's reseedable CSPRNG.
func RandomSalt() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("ncrypto: random salt: %w", err)
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}
