// Package wire provides the symmetric compression codecs available for
// large query replies and history payloads (§2A DOMAIN STACK). Modelled
// on internal/grpc.Compressor from the teacher repository: the same
// three-method interface, generalized from a single gzip implementation
// to a registry of interchangeable codecs.
package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to sample payload bytes.
type Compressor interface {
	//1.- Name returns the codec identifier advertised alongside a payload.
	Name() string
	//2.- Compress encodes the provided payload into its compressed form.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// gzipCompressor wraps the standard library gzip implementation.
type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip.
func NewGZIPCompressor() Compressor { return gzipCompressor{} }

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

// snappyCompressor wraps github.com/golang/snappy, favoring throughput
// over ratio for latency-sensitive gap-fill replies.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy block
// compression.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// zstdCompressor wraps github.com/klauspost/compress/zstd, favoring ratio
// over throughput for large initial-history backfills.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor constructs a Compressor backed by zstd. The returned
// Compressor owns long-lived encoder/decoder state and should be reused
// across calls rather than reconstructed per payload.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// ByName returns the built-in codec registered under name, or ok=false if
// name is unrecognized. "" and "identity" both resolve to a passthrough
// codec so callers can treat compression as always-on.
func ByName(name string) (Compressor, bool, error) {
	switch name {
	case "", "identity":
		return identityCompressor{}, true, nil
	case "gzip":
		return NewGZIPCompressor(), true, nil
	case "snappy":
		return NewSnappyCompressor(), true, nil
	case "zstd":
		c, err := NewZstdCompressor()
		if err != nil {
			return nil, true, err
		}
		return c, true, nil
	default:
		return nil, false, nil
	}
}

type identityCompressor struct{}

func (identityCompressor) Name() string                        { return "identity" }
func (identityCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (identityCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}
