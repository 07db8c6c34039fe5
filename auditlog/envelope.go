// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cordon-systems/cordon/lib/secret"
)

// Cipher algorithm identifiers recorded in envelopes. The reader
// selects its decryption path by this tag, so the values are protocol
// constants.
const (
	AlgorithmGCM = "aes-256-gcm"
	AlgorithmCBC = "aes-256-cbc"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when the
	// logger options leave it zero.
	DefaultIterations = 100_000

	// saltSize is the per-event random PBKDF2 salt length.
	saltSize = 16

	// derivedKeySize is the AES-256 key length.
	derivedKeySize = 32

	// cbcIVSize is the AES block size, used as the CBC IV length.
	cbcIVSize = aes.BlockSize
)

// integrityInfo is the HKDF info label separating the HMAC key from
// every other use of the master key. Changing it invalidates all
// existing integrity tags.
var integrityInfo = []byte("cordon.audit.integrity.v1")

// Envelope is the persisted unit wrapping exactly one encrypted
// payload. Salt, IV, and tag are hex; ciphertext is base64.
type Envelope struct {
	// Algorithm names the cipher the payload was sealed with and
	// therefore the path the reader must decrypt along.
	Algorithm string `json:"algorithm"`

	// Salt is the random PBKDF2 salt for this envelope's key.
	Salt string `json:"salt"`

	// IV is the random nonce (GCM, 12 bytes) or initialization
	// vector (CBC, 16 bytes).
	IV string `json:"iv"`

	// Ciphertext is the sealed payload. For GCM the authentication
	// tag is split out into Tag rather than left appended.
	Ciphertext string `json:"ciphertext"`

	// Tag is the GCM authentication tag. Empty for CBC.
	Tag string `json:"tag,omitempty"`

	// AAD is the additional authenticated data bound into the GCM
	// seal: the event timestamp and the algorithm identifier. Empty
	// for CBC.
	AAD string `json:"aad,omitempty"`

	// Iterations is the PBKDF2 iteration count the key was derived
	// with, persisted so old envelopes survive configuration changes.
	Iterations int `json:"iterations"`
}

// deriveEventKey derives this envelope's AES key from the master key
// and a fresh salt. The caller must zero the returned key when done.
func deriveEventKey(masterKey *secret.Buffer, salt []byte, iterations int) []byte {
	return pbkdf2.Key(masterKey.Bytes(), salt, iterations, derivedKeySize, sha256.New)
}

// deriveIntegrityKey derives the HMAC-SHA256 key from the master key
// via HKDF with a fixed, distinct label. Independent from the PBKDF2
// per-event keys so a flaw in one derivation path does not expose the
// other.
func deriveIntegrityKey(masterKey *secret.Buffer) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey.Bytes(), nil, integrityInfo)
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("deriving integrity key: %w", err)
	}
	return key, nil
}

// buildAAD constructs the additional authenticated data binding an
// envelope to its event timestamp and cipher.
func buildAAD(timestamp time.Time, algorithm string) []byte {
	return []byte(timestamp.UTC().Format(time.RFC3339Nano) + "|" + algorithm)
}

// seal encrypts payload under a fresh PBKDF2-derived key using the
// named algorithm.
func seal(masterKey *secret.Buffer, payload []byte, timestamp time.Time, iterations int, algorithm string) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key := deriveEventKey(masterKey, salt, iterations)
	defer secret.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	envelope := &Envelope{
		Algorithm:  algorithm,
		Salt:       hex.EncodeToString(salt),
		Iterations: iterations,
	}

	switch algorithm {
	case AlgorithmGCM:
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM mode: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
		aad := buildAAD(timestamp, algorithm)
		sealed := aead.Seal(nil, nonce, payload, aad)
		tagOffset := len(sealed) - aead.Overhead()

		envelope.IV = hex.EncodeToString(nonce)
		envelope.Ciphertext = base64.StdEncoding.EncodeToString(sealed[:tagOffset])
		envelope.Tag = hex.EncodeToString(sealed[tagOffset:])
		envelope.AAD = string(aad)

	case AlgorithmCBC:
		iv := make([]byte, cbcIVSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("generating IV: %w", err)
		}
		padded := padPKCS7(payload, aes.BlockSize)
		ciphertext := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

		envelope.IV = hex.EncodeToString(iv)
		envelope.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)

	default:
		return nil, fmt.Errorf("unsupported cipher algorithm: %q", algorithm)
	}

	return envelope, nil
}

// open decrypts an envelope, selecting GCM or CBC by the recorded
// algorithm identifier.
func open(masterKey *secret.Buffer, envelope *Envelope) ([]byte, error) {
	salt, err := hex.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	iv, err := hex.DecodeString(envelope.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding IV: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	iterations := envelope.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	key := deriveEventKey(masterKey, salt, iterations)
	defer secret.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	switch envelope.Algorithm {
	case AlgorithmGCM:
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM mode: %w", err)
		}
		tag, err := hex.DecodeString(envelope.Tag)
		if err != nil {
			return nil, fmt.Errorf("decoding authentication tag: %w", err)
		}
		sealed := append(ciphertext, tag...)
		plaintext, err := aead.Open(nil, iv, sealed, []byte(envelope.AAD))
		if err != nil {
			return nil, fmt.Errorf("GCM authentication failed (wrong key or tampered data): %w", err)
		}
		return plaintext, nil

	case AlgorithmCBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("CBC ciphertext length %d is not a positive multiple of the block size", len(ciphertext))
		}
		if len(iv) != cbcIVSize {
			return nil, fmt.Errorf("CBC IV is %d bytes, want %d", len(iv), cbcIVSize)
		}
		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
		return unpadPKCS7(padded, aes.BlockSize)

	default:
		return nil, fmt.Errorf("unsupported cipher algorithm: %q", envelope.Algorithm)
	}
}

// computeIntegrity returns the hex HMAC-SHA256 tag over the envelope's
// canonical JSON form.
func computeIntegrity(integrityKey []byte, envelope *Envelope) (string, error) {
	canonical, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("serializing envelope for integrity tag: %w", err)
	}
	mac := hmac.New(sha256.New, integrityKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyIntegrity recomputes the envelope's HMAC and compares it to
// the recorded tag in constant time.
func verifyIntegrity(integrityKey []byte, envelope *Envelope, recorded string) (bool, error) {
	expected, err := computeIntegrity(integrityKey, envelope)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(recorded)), nil
}

// padPKCS7 appends PKCS#7 padding up to the block size.
func padPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for index := len(data); index < len(padded); index++ {
		padded[index] = byte(padding)
	}
	return padded
}

// unpadPKCS7 strips and validates PKCS#7 padding.
func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("padded data length %d is not a positive multiple of the block size", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid PKCS#7 padding length %d", padding)
	}
	for _, value := range data[len(data)-padding:] {
		if int(value) != padding {
			return nil, fmt.Errorf("corrupt PKCS#7 padding")
		}
	}
	return data[:len(data)-padding], nil
}
