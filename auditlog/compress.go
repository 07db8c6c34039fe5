// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression applied to a record's payload
// before encryption. Recorded per entry so the reader can reverse it.
type Algorithm string

const (
	// AlgorithmZstd is the default: good ratios for the JSON/CBOR
	// text-like payloads audit events produce.
	AlgorithmZstd Algorithm = "zstd"

	// AlgorithmLZ4 trades ratio for speed; useful when the logger
	// sits on a hot path.
	AlgorithmLZ4 Algorithm = "lz4"
)

// DefaultCompressionThreshold is the serialized size below which
// payloads are stored uncompressed: small events rarely win back the
// per-entry overhead.
const DefaultCompressionThreshold = 1024

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("auditlog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("auditlog: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible reports that compression would not shrink the
// payload. The caller stores the payload uncompressed.
var errIncompressible = fmt.Errorf("payload is incompressible")

// compressPayload compresses data with the given algorithm. Returns
// errIncompressible when the output would not be smaller than the
// input.
func compressPayload(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	case AlgorithmLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 when it determines the data is
		// incompressible.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %q", algorithm)
	}
}

// decompressPayload reverses compressPayload. uncompressedSize must
// match the original length exactly; a mismatch is an error.
func decompressPayload(compressed []byte, algorithm Algorithm, uncompressedSize int) ([]byte, error) {
	switch algorithm {
	case AlgorithmZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	case AlgorithmLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %q", algorithm)
	}
}
