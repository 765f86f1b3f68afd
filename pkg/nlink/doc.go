// Package nlink implements the single-threaded per-host engine of a
// connection-oriented, reliability-configurable, cryptographically
// authenticated UDP transport: a mutual-auth STS-style handshake over
// X25519 + Ed25519 with a proof-of-work challenge and pre-hello connection
// token, AEAD-encrypted packet framing with replay-window protection, four
// channel variants (reliable/unreliable x ordered/unordered) with
// fragmentation and reassembly, per-peer packet aggregation, MTU discovery,
// RTT/loss estimation, and bandwidth accounting.
//
// A Host owns every peer it serves and is not safe for concurrent use: all
// state mutation happens on whichever goroutine calls Service, Flush,
// Connect, or Interrupt. Run multiple Hosts on separate goroutines to scale
// across cores.
package nlink
