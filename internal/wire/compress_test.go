package wire

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTripPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("advanced-subscriber-payload"), 64)

	zstdCodec, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd compressor construction failed: %v", err)
	}

	codecs := []Compressor{NewGZIPCompressor(), NewSnappyCompressor(), zstdCodec, identityCompressor{}}
	for _, c := range codecs {
		compressed, err := c.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress failed: %v", c.Name(), err)
		}
		restored, err := c.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress failed: %v", c.Name(), err)
		}
		if !bytes.Equal(restored, payload) {
			t.Fatalf("%s round trip mismatch", c.Name())
		}
	}
}

func TestByNameResolvesBuiltinCodecs(t *testing.T) {
	for _, name := range []string{"", "identity", "gzip", "snappy", "zstd"} {
		c, ok, err := ByName(name)
		if !ok {
			t.Fatalf("expected %q to resolve to a known codec", name)
		}
		if err != nil {
			t.Fatalf("unexpected error constructing %q: %v", name, err)
		}
		if c == nil {
			t.Fatalf("expected a non-nil codec for %q", name)
		}
	}
}

func TestByNameRejectsUnknownCodec(t *testing.T) {
	_, ok, _ := ByName("bzip2")
	if ok {
		t.Fatalf("expected an unknown codec name to report ok=false")
	}
}

func TestGZIPDecompressRejectsEmptyPayload(t *testing.T) {
	if _, err := NewGZIPCompressor().Decompress(nil); err == nil {
		t.Fatalf("expected an error decompressing an empty gzip payload")
	}
}
