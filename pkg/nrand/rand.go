// Package nrand implements the engine's CSPRNG: a ChaCha20-keystream-based
// arc4random-style generator, periodically reseeded from the OS entropy
// source. It is used for everything that must not be predictable by an
// off-path attacker (salts are the one exception — see ncrypto.RandomSalt,
// which goes straight to the OS source since they're sent in cleartext
// anyway): short-term keypair generation, challenge bytes, and any
// randomized backoff jitter the handshake needs.
package nrand

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// rekeyAfterBytes bounds how much keystream a single ChaCha20 key/nonce pair
// produces before the generator reseeds from the OS, following the
// arc4random_buf convention of periodic rekeying rather than trusting one
// key for the generator's entire lifetime.
const rekeyAfterBytes = 1 << 24 // 16 MiB

// Generator is a CSPRNG seeded from the OS entropy source and periodically
// rekeyed. It is safe for concurrent use; nlink.Host owns exactly one and
// shares it across all peers, the way a single process owns one
// arc4random state.
type Generator struct {
	mu       sync.Mutex
	cipher   *chacha20.Cipher
	produced int
}

// New creates a Generator seeded from crypto/rand.
func New() (*Generator, error) {
	g := &Generator{}
	if err := g.reseedLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Generator) reseedLocked() error {
	var key [chacha20.KeySize]byte
	var nonce [chacha20.NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return fmt.Errorf("nrand: reseed: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("nrand: reseed: %w", err)
	}
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return fmt.Errorf("nrand: reseed: %w", err)
	}
	g.cipher = c
	g.produced = 0
	return nil
}

// Read fills p with keystream bytes, rekeying transparently as needed. It
// always returns len(p), nil, satisfying io.Reader.
func (g *Generator) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := len(p)
	for len(p) > 0 {
		if g.produced >= rekeyAfterBytes {
			if err := g.reseedLocked(); err != nil {
				return 0, err
			}
		}
		n := len(p)
		if max := rekeyAfterBytes - g.produced; n > max {
			n = max
		}
		var zero [4096]byte
		chunk := zero[:n]
		if n > len(zero) {
			chunk = make([]byte, n)
		}
		g.cipher.XORKeyStream(chunk[:n], chunk[:n])
		copy(p, chunk[:n])
		g.produced += n
		p = p[n:]
	}
	return total, nil
}

// Uint64 returns a random 64-bit value.
func (g *Generator) Uint64() uint64 {
	var b [8]byte
	g.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Uint32 returns a random 32-bit value.
func (g *Generator) Uint32() uint32 {
	var b [4]byte
	g.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Intn returns a random integer in [0, n). n must be positive.
func (g *Generator) Intn(n int) int {
	if n <= 0 {
		panic("nrand: Intn: n must be positive")
	}
	// Rejection sampling to avoid modulo bias.
	max := uint64(n)
	limit := (^uint64(0) / max) * max
	for {
		v := g.Uint64()
		if v < limit {
			return int(v % max)
		}
	}
}

// JitterBytes returns n random bytes.
func (g *Generator) JitterBytes(n int) []byte {
	b := make([]byte, n)
	g.Read(b)
	return b
}
