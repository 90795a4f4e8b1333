// Package secrets seals and opens tenant OAuth tokens before they touch
// the database. Two modes exist: "encrypted" (XChaCha20-Poly1305 with a
// key from config) and "none" (plaintext passthrough for local
// development, which must be opted into explicitly). Any other mode, or
// an encrypted mode without a usable key, is a startup error; tokens are
// never silently stored under a weaker scheme than the one configured.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Modes accepted by New.
const (
	ModeEncrypted = "encrypted"
	ModeNone      = "none"
)

var (
	// ErrBadCiphertext is returned when a sealed value cannot be decoded
	// or fails authentication, typically after a key rotation without a
	// token re-seal.
	ErrBadCiphertext = errors.New("secrets: ciphertext invalid or key mismatch")
)

// Sealer converts token plaintext to and from its stored form.
type Sealer struct {
	mode string
	aead cipher.AEAD
}

// New builds a Sealer for the given mode. In encrypted mode the key must
// be 32 bytes, hex encoded (64 hex chars).
func New(mode, hexKey string) (*Sealer, error) {
	switch mode {
	case ModeNone:
		return &Sealer{mode: ModeNone}, nil
	case ModeEncrypted:
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("secrets: encryption key is not valid hex: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("secrets: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("secrets: %w", err)
		}
		return &Sealer{mode: ModeEncrypted, aead: aead}, nil
	default:
		return nil, fmt.Errorf("secrets: unknown encryption mode %q", mode)
	}
}

// Seal encrypts plaintext for storage. The random nonce is prepended to
// the ciphertext and the whole value is base64 encoded. Empty input
// seals to empty output so absent tokens stay absent.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if s.mode == ModeNone {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if s.mode == ModeNone {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrBadCiphertext
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrBadCiphertext
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plain), nil
}
