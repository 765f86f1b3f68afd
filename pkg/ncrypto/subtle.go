package ncrypto

import "crypto/subtle"

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of their contents (but not their lengths). Used to compare solved
// challenges (§4.3) and channel-type arrays (§4.3 ApprovalResponse) without
// leaking timing information to an attacker probing the handshake.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
