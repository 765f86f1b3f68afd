// Package compressor defines the pluggable payload-compression capability
// the framing layer consumes (§2, §4.7) and the 16-bit uncompressed-length
// prefix it adds around whatever a Compressor produces. The concrete codecs
// (deflate/flate, S2, zstd) are out of the engine's core per spec.md §1 —
// they live here only as optional, swappable adapters over
// github.com/klauspost/compress, generalizing the gzip compression
// pkg/atlas/server.go applies to HTTP responses to UDP payloads instead.
package compressor

import "encoding/binary"

// Compressor compresses and decompresses opaque payloads. Implementations
// must be safe for concurrent use only if the engine is extended to share
// one compressor across hosts; a single Host uses its compressor from one
// goroutine only (§5).
type Compressor interface {
	// Compress appends the compressed form of src to dst and returns the
	// result.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst and returns
	// the result.
	Decompress(dst, src []byte) ([]byte, error)
}

// LengthPrefixSize is the size of the uncompressed-length prefix §4.7
// requires: "the framing adds a 16-bit uncompressed-length prefix."
const LengthPrefixSize = 2

// EncodeFrame compresses payload with c and prepends the 2-byte
// little-endian uncompressed length, per §4.7. It returns ok=false (and a
// nil frame) if compression did not shrink the payload enough to be worth
// using — the caller should then send the payload uncompressed and leave
// the "compressed" header flag clear.
func EncodeFrame(c Compressor, payload []byte) (frame []byte, ok bool, err error) {
	if len(payload) < 3 || c == nil {
		return nil, false, nil
	}
	compressed, err := c.Compress(nil, payload)
	if err != nil {
		return nil, false, err
	}
	if len(compressed)+LengthPrefixSize >= len(payload) {
		return nil, false, nil
	}
	out := make([]byte, 0, LengthPrefixSize+len(compressed))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, compressed...)
	return out, true, nil
}

// DecodeFrame reads the 2-byte uncompressed-length prefix and decompresses
// the remainder with c.
func DecodeFrame(c Compressor, frame []byte) (payload []byte, err error) {
	if len(frame) < LengthPrefixSize {
		return nil, errShortFrame
	}
	uncompressedLen := binary.LittleEndian.Uint16(frame[:LengthPrefixSize])
	out := make([]byte, 0, uncompressedLen)
	return c.Decompress(out, frame[LengthPrefixSize:])
}

var errShortFrame = compressorError("compressor: frame shorter than length prefix")

type compressorError string

func (e compressorError) Error() string { return string(e) }
