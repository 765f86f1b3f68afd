package ncrypto

import "golang.org/x/crypto/poly1305"

// Poly1305TagSize is the size of a raw Poly1305 authentication tag.
const Poly1305TagSize = poly1305.TagSize

// Poly1305Tag computes a one-shot Poly1305 MAC over msg keyed directly from
// the connection's shared secret, used by ApprovalAcknowledge (§4.3: "the
// server ... verifies a Poly1305 MAC computed over the whole packet (with
// the MAC field zeroed) using the shared secret"). Unlike the AEAD in
// aead.go, this is a bare MAC with no accompanying encryption — the
// ApprovalAcknowledge packet carries no secret payload, only a peer id
// already sent in the clear by ApprovalResponse.
func Poly1305Tag(key [KeySize]byte, msg []byte) [Poly1305TagSize]byte {
	var out [Poly1305TagSize]byte
	poly1305.Sum(&out, msg, &key)
	return out
}
