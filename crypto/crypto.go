// Package crypto seals OAuth credentials at rest. It implements AES-256-GCM
// authenticated encryption and a Sealer that tags stored values so sealed and
// legacy plaintext values can live side by side in any backend.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a value written by Sealer.Seal (format version 1).
const SealedPrefix = "enc:v1:"

// ErrSealedNoKey is returned when a sealed value is read without a key.
var ErrSealedNoKey = errors.New("value is encrypted but no ENCRYPTION_KEY is configured")

// Encryptor provides authenticated encryption of raw bytes.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key,
// e.g. the output of `openssl rand -base64 32`.
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag with a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt verifies and opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// do not leak details about which check failed
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Sealer converts credential fields to and from their stored form.
// A nil *Sealer (or one without an Encryptor) stores plaintext.
type Sealer struct {
	enc Encryptor
}

// NewSealer returns a Sealer using enc; enc may be nil.
func NewSealer(enc Encryptor) *Sealer {
	return &Sealer{enc: enc}
}

// SealerFromKey builds a Sealer from a base64 key. An empty key yields a
// plaintext Sealer.
func SealerFromKey(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return NewSealer(nil), nil
	}
	enc, err := NewAESEncryptor(base64Key)
	if err != nil {
		return nil, err
	}
	return NewSealer(enc), nil
}

// Enabled reports whether Seal encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && s.enc != nil
}

// Seal returns the stored form of v. Empty values stay empty.
func (s *Sealer) Seal(v string) (string, error) {
	if v == "" || !s.Enabled() {
		return v, nil
	}
	ct, err := s.enc.Encrypt([]byte(v))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open returns the plaintext of a stored value. Values without SealedPrefix
// are returned unchanged.
func (s *Sealer) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if !s.Enabled() {
		return "", ErrSealedNoKey
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := s.enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}
