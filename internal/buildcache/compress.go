// SPDX-License-Identifier: MPL-2.0

package buildcache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// CompressionNone stores payloads as-is.
	CompressionNone Compression = "none"
	// CompressionLZ4 uses LZ4 block compression: fast, moderate ratio.
	CompressionLZ4 Compression = "lz4"
	// CompressionZstd uses zstd at the default level: better ratio for
	// source text and archives. This is the default.
	CompressionZstd Compression = "zstd"
)

// ErrInvalidCompression is returned for unknown compression names.
var ErrInvalidCompression = errors.New("invalid compression")

// errIncompressible signals that compressed output would not be smaller.
var errIncompressible = errors.New("incompressible")

// Compression selects how payloads are stored on disk.
type Compression string

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("buildcache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("buildcache: zstd decoder initialization failed: " + err.Error())
	}
}

// Validate returns nil for a known compression name. The empty value is
// accepted and means CompressionZstd.
func (c Compression) Validate() error {
	switch c {
	case "", CompressionNone, CompressionLZ4, CompressionZstd:
		return nil
	default:
		return fmt.Errorf("%w: %q (expected none, lz4 or zstd)", ErrInvalidCompression, string(c))
	}
}

// String returns the string representation of the Compression.
func (c Compression) String() string { return string(c) }

// compress returns the stored form of data and the compression actually
// used. Data that does not shrink is stored uncompressed.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case "", CompressionZstd:
		c = CompressionZstd
		out, err = compressZstd(data)
	default:
		return nil, "", c.Validate()
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, c, nil
}

func decompress(stored []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(stored) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, c.Validate()
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
