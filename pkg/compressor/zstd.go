package compressor

import (
	"github.com/klauspost/compress/zstd"
)

// Zstd adapts github.com/klauspost/compress/zstd. It gives the best ratio
// of the three codecs and is the right choice for large, infrequent
// reliable-channel messages (e.g. level data), where CPU cost amortizes
// over a big payload.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a Zstd compressor at the given encoder level. A zero
// level selects zstd.SpeedDefault.
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Compress(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst), nil
}

func (z *Zstd) Decompress(dst, src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, dst)
}

// Close releases the encoder and decoder's background resources.
func (z *Zstd) Close() {
	z.enc.Close()
	z.dec.Close()
}
