// Package ncrypto implements the cryptographic primitives the handshake and
// packet framing layers are specified against: an XChaCha20-Poly1305 AEAD,
// X25519 key agreement, Ed25519 signatures, a BLAKE2b (or SHA-512) hash, a
// CRC32C checksum, and constant-time comparisons. Internal arithmetic is not
// re-derived here; each primitive is a thin, allocation-conscious wrapper
// over the standard library or golang.org/x/crypto.
package ncrypto
