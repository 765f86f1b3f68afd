package ncrypto

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the size of an XChaCha20-Poly1305 nonce, as packed by the
// framing layer from (sequence, connection nonce, connection salt) in
// §4.7, or (local nonce, remote salt, local salt) in §4.3.
const NonceSize = chacha20poly1305.NonceSizeX

// TagSize is the size of the Poly1305 authentication tag.
const TagSize = chacha20poly1305.Overhead

// KeySize is the size of an AEAD key.
const KeySize = chacha20poly1305.KeySize

// AEAD wraps an XChaCha20-Poly1305 cipher keyed with a 32-byte key shared
// between two peers. The construction (HChaCha20 subkey derivation from a
// 24-byte nonce, Poly1305 keyed from the first block of the ChaCha20
// keystream) is exactly what spec.md §6 specifies as "XChaCha20-Poly1305";
// golang.org/x/crypto/chacha20poly1305's NewX implements it directly, so no
// part of the stream cipher or MAC is hand-rolled here.
type AEAD struct {
	aead cipher.AEAD
}

// New creates an AEAD from a 32-byte shared key.
func New(key [KeySize]byte) (*AEAD, error) {
	a, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncrypto: init aead: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts and authenticates plaintext, appending the result (and the
// 16-byte tag) to dst. ad is authenticated but not encrypted — the normal
// packet header, or the handshake's solved challenge, with any field that
// embeds the tag itself zeroed first.
func (a *AEAD) Seal(dst []byte, nonce [NonceSize]byte, plaintext, ad []byte) []byte {
	return a.aead.Seal(dst, nonce[:], plaintext, ad)
}

// Open decrypts and authenticates ciphertext (which must include the
// trailing tag), appending the plaintext to dst. It returns an error if the
// tag does not verify; callers must treat that as "drop the packet", never
// report it to the peer (spec.md §4.3, §7: malformed/unauthenticated
// packets are always silently dropped).
func (a *AEAD) Open(dst []byte, nonce [NonceSize]byte, ciphertext, ad []byte) ([]byte, error) {
	out, err := a.aead.Open(dst, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("ncrypto: open: %w", err)
	}
	return out, nil
}

// SealInPlace encrypts buf[:plaintextLen] in place and appends the tag
// right after it, returning buf[:plaintextLen+TagSize], matching the framing layer's "reserve header,
// append blocks, stamp sequence, encrypt in place, write tag into header"
// flow (§4.7). buf must have TagSize bytes of free capacity past the
// plaintext for the tag to be appended into; callers size packets with that
// trailer pre-reserved, mirroring pkg/nspkt/r2crypto.go's buffer layout.
func (a *AEAD) SealInPlace(buf []byte, plaintextLen int, nonce [NonceSize]byte, ad []byte) []byte {
	out := a.aead.Seal(buf[:0], nonce[:], buf[:plaintextLen], ad)
	return out
}
