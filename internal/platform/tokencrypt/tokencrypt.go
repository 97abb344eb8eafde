// Package tokencrypt seals callback tokens before they travel through
// vendor job definitions. The key is owned by the process init path and
// passed through, keyed by its configured name so rotation can run two keys
// side by side.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Sealer encrypts and decrypts callback tokens with a named symmetric key.
type Sealer struct {
	keyName string
	aead    cipher.AEAD
}

// New derives a 256-bit key from the configured secret material. keyName is
// the external identifier (a KMS ARN or key resource name) recorded with
// every sealed value.
func New(keyName, secret string) (*Sealer, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, errors.New("key name is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("key secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Sealer{keyName: keyName, aead: aead}, nil
}

func (s *Sealer) KeyName() string { return s.keyName }

// Seal encrypts plaintext and binds it to the key name.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || s.aead == nil {
		return "", errors.New("sealer not initialized")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(s.keyName))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value sealed with the same key name.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil || s.aead == nil {
		return "", errors.New("sealer not initialized")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", errors.New("sealed value is malformed")
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("sealed value is truncated")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(s.keyName))
	if err != nil {
		return "", errors.New("sealed value failed to open")
	}
	return string(plaintext), nil
}
