package compressor

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// Flate adapts github.com/klauspost/compress/flate to Compressor. It trades
// compression ratio for the lowest CPU cost of the three codecs, the right
// default for small, frequent unreliable-channel payloads.
type Flate struct {
	level int
}

// NewFlate creates a Flate compressor at the given level (flate.BestSpeed
// through flate.BestCompression, or flate.DefaultCompression).
func NewFlate(level int) *Flate {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return &Flate{level: level}
}

func (f *Flate) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w, err := flate.NewWriter(buf, f.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Flate) Decompress(dst, src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
