package ncrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519 sizes, re-exported so callers don't need to import crypto/ed25519
// directly for constants.
const (
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	Ed25519SignatureSize  = ed25519.SignatureSize
)

// Ed25519KeyPair is a host's long-term signing identity.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateEd25519KeyPair creates a new long-term signing keypair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("ncrypto: generate ed25519 key: %w", err)
	}
	return Ed25519KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the long-term private key.
func (kp Ed25519KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify reports whether sig is a valid Ed25519 signature over message by
// pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, sig)
}
