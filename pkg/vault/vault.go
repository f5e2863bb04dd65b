// Package vault seals opaque blobs (biometric templates, exported payloads) under a single
// process-wide key.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinKeySize is the minimum length of the decoded master key.
const MinKeySize = 32

// BlobVersion prefixes every sealed blob and is bound as additional data.
const BlobVersion byte = 0x01

// Overhead is the number of bytes a sealed blob adds to its plaintext.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfo = []byte("sma-gate.vault.template.v1")

// ErrCrypto is returned for every key or ciphertext failure.
var ErrCrypto = errors.New("vault: crypto failure")

// Vault encrypts and decrypts blobs with XChaCha20-Poly1305.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from a base64 encoded master key.
func New(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: key not configured", ErrCrypto)
	}
	master, err := decodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", ErrCrypto, err)
	}
	return NewFromBytes(master)
}

// NewFromBytes builds a vault from raw master key material.
func NewFromBytes(master []byte) (*Vault, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("%w: key must be at least %d bytes, got %d", ErrCrypto, MinKeySize, len(master))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrCrypto, err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into version | nonce | ciphertext+tag. A fresh nonce is drawn per call.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, fmt.Errorf("%w: vault not configured", ErrCrypto)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	out[0] = BlobVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrCrypto, err)
	}
	return v.aead.Seal(out, nonce, plaintext, []byte{BlobVersion}), nil
}

// Decrypt opens a blob produced by Encrypt.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, fmt.Errorf("%w: vault not configured", ErrCrypto)
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext truncated", ErrCrypto)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrCrypto, blob[0])
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := v.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte{BlobVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func decodeKey(raw string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(raw); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}
