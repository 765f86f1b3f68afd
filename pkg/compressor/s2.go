package compressor

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/s2"
)

// S2 adapts github.com/klauspost/compress/s2, a Snappy-compatible codec
// tuned for throughput. It is the middle ground between Flate and Zstd:
// much cheaper to run than Zstd per byte, better ratio than leaving a
// medium-sized reliable-channel message uncompressed.
type S2 struct{}

// NewS2 creates an S2 compressor.
func NewS2() *S2 { return &S2{} }

func (s *S2) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := s2.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *S2) Decompress(dst, src []byte) ([]byte, error) {
	r := s2.NewReader(bytes.NewReader(src))
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
