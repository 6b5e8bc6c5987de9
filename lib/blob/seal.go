// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/opencontainers/go-digest"
)

// KeySize is the size in bytes of the master encryption key and of
// every derived per-blob key.
const KeySize = 32

// sealVersion is the version byte prepended to every sealed blob.
// Included in the AEAD additional authenticated data, so tampering
// with it causes authentication failure.
const sealVersion byte = 0x01

// SealOverhead is the total byte overhead per sealed blob:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const SealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoBlob is the HKDF info parameter for per-blob key
// derivation. Changing it invalidates every sealed blob.
var hkdfInfoBlob = []byte("stowage.blob.v1")

// Sealer derives per-blob keys from a master key and seals blob bytes
// with XChaCha20-Poly1305. The sealed format is
//
//	[version: 1 byte (0x01)] [nonce: 24 bytes] [ciphertext+tag]
//
// The version byte and the blob digest are additional authenticated
// data, binding each ciphertext to the blob it stores: a sealed file
// moved to another digest's path fails to open.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a sealer from a raw master key. The key must be
// exactly KeySize bytes.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Sealer{masterKey: key}, nil
}

// LoadSealer reads a hex-encoded master key from a file (64 hex
// characters, trailing whitespace ignored) and returns a sealer.
func LoadSealer(path string) (*Sealer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encryption key file %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("encryption key file %s is not hex: %w", path, err)
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("encryption key file %s: %w", path, err)
	}
	return sealer, nil
}

// Seal encrypts plaintext for storage under the given digest.
func (s *Sealer) Seal(plaintext []byte, d digest.Digest) ([]byte, error) {
	key, err := s.blobKey(d)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, SealOverhead+len(plaintext))
	output[0] = sealVersion
	copy(output[1:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, sealAAD(sealVersion, d)), nil
}

// Open decrypts a sealed blob produced by Seal. It fails if the file
// is too short, the version byte is unknown, or AEAD authentication
// fails (wrong key, tampered bytes, or a digest mismatch).
func (s *Sealer) Open(sealed []byte, d digest.Digest) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d (version + nonce + tag)",
			len(sealed), SealOverhead)
	}
	version := sealed[0]
	if version != sealVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported (expected %d)",
			version, sealVersion)
	}

	key, err := s.blobKey(d)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, sealAAD(version, d))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed (wrong key, tampered data, or mismatched digest): %w", err)
	}
	return plaintext, nil
}

// blobKey derives the per-blob encryption key via HKDF-SHA256 with
// info = hkdfInfoBlob || digest string. The same blob always derives
// the same key under one master key, so dedup re-writes produce
// openable files regardless of which writer won.
func (s *Sealer) blobKey(d digest.Digest) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfoBlob)+len(d))
	info = append(info, hkdfInfoBlob...)
	info = append(info, d.String()...)

	reader := hkdf.New(sha256.New, s.masterKey, nil, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// sealAAD builds the additional authenticated data: the version byte
// followed by the digest string.
func sealAAD(version byte, d digest.Digest) []byte {
	aad := make([]byte, 0, 1+len(d))
	aad = append(aad, version)
	aad = append(aad, d.String()...)
	return aad
}
