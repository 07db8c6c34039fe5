// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"action":"process_start","details":{"command":"ls"}}`), 50)

	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmLZ4} {
		t.Run(string(algorithm), func(t *testing.T) {
			compressed, err := compressPayload(payload, algorithm)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if len(compressed) >= len(payload) {
				t.Fatalf("compressed %d bytes to %d, no reduction", len(payload), len(compressed))
			}

			restored, err := decompressPayload(compressed, algorithm, len(payload))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(restored, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	random := make([]byte, 512)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		t.Fatalf("generating random payload: %v", err)
	}

	for _, algorithm := range []Algorithm{AlgorithmZstd, AlgorithmLZ4} {
		if _, err := compressPayload(random, algorithm); !errors.Is(err, errIncompressible) {
			t.Errorf("%s: error = %v, want errIncompressible", algorithm, err)
		}
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 500)
	compressed, err := compressPayload(payload, AlgorithmZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := decompressPayload(compressed, AlgorithmZstd, len(payload)+1); err == nil {
		t.Error("decompress accepted a wrong uncompressed size")
	}
}

func TestCompressUnknownAlgorithm(t *testing.T) {
	if _, err := compressPayload([]byte("data"), Algorithm("gzip")); err == nil {
		t.Error("compress accepted an unknown algorithm")
	}
	if _, err := decompressPayload([]byte("data"), Algorithm("gzip"), 4); err == nil {
		t.Error("decompress accepted an unknown algorithm")
	}
}
