// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size of the per-secret PBKDF2 salt.
	SaltSize = 32
	// KeySize is the size of the derived AES-256 key.
	KeySize = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 200000
)

// SecretBox encrypts and decrypts at-rest secrets (the agent's Nostr private
// key, cached LNURL credentials) using a passphrase-derived AES-256-GCM key.
// Unlike a fixed-salt scheme, each Seal call generates and stores its own
// salt, so the KDF cost cannot be precomputed across secrets.
type SecretBox struct {
	passphrase []byte
}

// NewSecretBox creates a SecretBox from the given passphrase.
func NewSecretBox(passphrase string) (*SecretBox, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	return &SecretBox{passphrase: []byte(passphrase)}, nil
}

func (s *SecretBox) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.passphrase, salt, Iterations, KeySize, sha256.New)
}

// Seal encrypts plaintext and returns a base64-encoded blob of
// salt || nonce || ciphertext.
func (s *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := s.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	combined := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	combined = append(combined, salt...)
	combined = append(combined, nonce...)
	combined = append(combined, ciphertext...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Open reverses Seal.
func (s *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", errors.New("sealed text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	if len(combined) < SaltSize {
		return "", errors.New("sealed text too short")
	}

	salt := combined[:SaltSize]
	rest := combined[SaltSize:]
	key := s.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("sealed text too short")
	}

	nonce := rest[:gcm.NonceSize()]
	ciphertext := rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed heuristically reports whether s looks like a Seal() output
// rather than a plaintext nsec/hex key.
func IsSealed(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= SaltSize+12+16
}
