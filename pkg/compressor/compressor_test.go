package compressor

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func roundTrip(t *testing.T, c Compressor) {
	t.Helper()
	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)
	compressed, err := c.Compress(nil, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) >= len(src) {
		t.Fatalf("compressed (%d) not smaller than source (%d)", len(compressed), len(src))
	}
	got, err := c.Decompress(nil, compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip did not reproduce the source")
	}
}

func TestFlateRoundTrip(t *testing.T) {
	roundTrip(t, NewFlate(0))
}

func TestS2RoundTrip(t *testing.T) {
	roundTrip(t, NewS2())
}

func TestZstdRoundTrip(t *testing.T) {
	z, err := NewZstd(zstd.SpeedDefault)
	if err != nil {
		t.Fatalf("NewZstd: %v", err)
	}
	defer z.Close()
	roundTrip(t, z)
}

func TestEncodeDecodeFrame(t *testing.T) {
	c := NewFlate(0)
	src := bytes.Repeat([]byte{0xAB}, 512)

	frame, ok, err := EncodeFrame(c, src)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if !ok {
		t.Fatal("expected highly compressible payload to be worth compressing")
	}

	got, err := DecodeFrame(c, frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("decoded frame does not match original payload")
	}
}

func TestEncodeFrameRejectsIncompressible(t *testing.T) {
	c := NewFlate(0)
	// A payload under 3 bytes is never compressed.
	src := []byte{1, 2}
	_, ok, err := EncodeFrame(c, src)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if ok {
		t.Fatal("expected tiny payload to be rejected as not worth compressing")
	}
}
