// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestLoadMasterKey(t *testing.T) {
	raw := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		t.Fatalf("generating key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	key, err := LoadMasterKey(path)
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	defer key.Close()
	if !bytes.Equal(key.Bytes(), raw) {
		t.Error("loaded key does not match the file content")
	}
}

func TestLoadMasterKeyRejectsBadInput(t *testing.T) {
	directory := t.TempDir()

	short := filepath.Join(directory, "short.key")
	if err := os.WriteFile(short, []byte("abcdef"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadMasterKey(short); err == nil {
		t.Error("LoadMasterKey accepted a short key")
	}

	invalid := filepath.Join(directory, "invalid.key")
	notHex := bytes.Repeat([]byte("zz"), derivedKeySize)
	if err := os.WriteFile(invalid, notHex, 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadMasterKey(invalid); err == nil {
		t.Error("LoadMasterKey accepted non-hex content")
	}

	if _, err := LoadMasterKey(filepath.Join(directory, "missing.key")); err == nil {
		t.Error("LoadMasterKey succeeded on a missing file")
	}
}

func TestLoadMasterKeyAge(t *testing.T) {
	raw := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		t.Fatalf("generating key: %v", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating age identity: %v", err)
	}

	directory := t.TempDir()
	identityPath := filepath.Join(directory, "identity.txt")
	if err := os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		t.Fatalf("creating age encryptor: %v", err)
	}
	if _, err := writer.Write([]byte(hex.EncodeToString(raw))); err != nil {
		t.Fatalf("encrypting key: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("finalizing encryption: %v", err)
	}
	keyPath := filepath.Join(directory, "master.key.age")
	if err := os.WriteFile(keyPath, sealed.Bytes(), 0o600); err != nil {
		t.Fatalf("writing encrypted key file: %v", err)
	}

	key, err := LoadMasterKeyAge(keyPath, identityPath)
	if err != nil {
		t.Fatalf("LoadMasterKeyAge: %v", err)
	}
	defer key.Close()
	if !bytes.Equal(key.Bytes(), raw) {
		t.Error("decrypted key does not match the original")
	}

	// Decrypting with an unrelated identity must fail.
	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating second identity: %v", err)
	}
	otherPath := filepath.Join(directory, "other.txt")
	if err := os.WriteFile(otherPath, []byte(other.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}
	if _, err := LoadMasterKeyAge(keyPath, otherPath); err == nil {
		t.Error("LoadMasterKeyAge succeeded with the wrong identity")
	}
}
