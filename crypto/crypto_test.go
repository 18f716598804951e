package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Fatalf("NewAESEncryptor() expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || enc == nil {
				t.Fatalf("NewAESEncryptor() = %v, %v", enc, err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct1, err := enc.Encrypt([]byte("oauth-access-token"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct2, _ := enc.Encrypt([]byte("oauth-access-token"))
	if string(ct1) == string(ct2) {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
	pt, err := enc.Decrypt(ct1)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "oauth-access-token" {
		t.Errorf("Decrypt = %q", pt)
	}
}

func TestDecryptTampered(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, _ := enc.Encrypt([]byte("secret"))
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatal("tampered ciphertext decrypted without error")
	}
	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Fatal("short ciphertext decrypted without error")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := NewAESEncryptor(testKey(t))
	b, _ := NewAESEncryptor(testKey(t))
	ct, _ := a.Encrypt([]byte("secret"))
	if _, err := b.Decrypt(ct); err == nil {
		t.Fatal("decrypt with another key should fail")
	}
}

func TestSealer(t *testing.T) {
	s, err := SealerFromKey(testKey(t))
	if err != nil {
		t.Fatalf("SealerFromKey: %v", err)
	}
	if !s.Enabled() {
		t.Fatal("sealer with key should be enabled")
	}

	sealed, err := s.Seal("refresh-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "refresh-123") {
		t.Fatalf("sealed value looks like plaintext: %q", sealed)
	}
	opened, err := s.Open(sealed)
	if err != nil || opened != "refresh-123" {
		t.Fatalf("Open = %q, %v", opened, err)
	}

	// legacy plaintext passes through
	if v, err := s.Open("plain"); err != nil || v != "plain" {
		t.Errorf("Open(plain) = %q, %v", v, err)
	}
	if v, _ := s.Seal(""); v != "" {
		t.Errorf("Seal(\"\") = %q, want empty", v)
	}
}

func TestPlaintextSealer(t *testing.T) {
	var nilSealer *Sealer
	for name, s := range map[string]*Sealer{"nil": nilSealer, "no key": NewSealer(nil)} {
		t.Run(name, func(t *testing.T) {
			if s.Enabled() {
				t.Fatal("plaintext sealer reports enabled")
			}
			v, err := s.Seal("abc")
			if err != nil || v != "abc" {
				t.Errorf("Seal = %q, %v", v, err)
			}
			if _, err := s.Open(SealedPrefix + "AAAA"); !errors.Is(err, ErrSealedNoKey) {
				t.Errorf("Open(sealed) = %v, want ErrSealedNoKey", err)
			}
		})
	}
}
