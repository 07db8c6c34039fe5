// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/cordon-systems/cordon/lib/secret"
)

// LoadMasterKey reads a master key file containing the 32-byte key as
// 64 hex characters (surrounding whitespace tolerated) and returns it
// in mmap-backed memory. The caller must Close the buffer.
func LoadMasterKey(path string) (*secret.Buffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read master key file", Path: path, Err: err}
	}
	defer secret.Zero(raw)
	return parseMasterKey(raw, path)
}

// LoadMasterKeyAge reads an age-encrypted master key file, decrypts it
// with the x25519 identity stored at identityPath, and returns the key
// in mmap-backed memory. The decrypted content has the same hex format
// LoadMasterKey expects. The caller must Close the buffer.
func LoadMasterKeyAge(path, identityPath string) (*secret.Buffer, error) {
	identityData, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, &IOError{Op: "read age identity file", Path: identityPath, Err: err}
	}
	defer secret.Zero(identityData)

	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	if err != nil {
		return nil, fmt.Errorf("parsing age identities from %s: %w", identityPath, err)
	}

	ciphertext, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open master key file", Path: path, Err: err}
	}
	defer ciphertext.Close()

	plaintextReader, err := age.Decrypt(ciphertext, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting master key file %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(plaintextReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted master key: %w", err)
	}
	defer secret.Zero(plaintext)

	return parseMasterKey(plaintext, path)
}

// parseMasterKey decodes the hex key material and moves it into a
// secret.Buffer.
func parseMasterKey(raw []byte, path string) (*secret.Buffer, error) {
	encoded := strings.TrimSpace(string(raw))
	if len(encoded) != derivedKeySize*2 {
		return nil, fmt.Errorf("master key file %s holds %d hex characters, want %d", path, len(encoded), derivedKeySize*2)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding master key from %s: %w", path, err)
	}
	// NewFromBytes zeros the heap copy.
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("protecting master key: %w", err)
	}
	return buffer, nil
}
