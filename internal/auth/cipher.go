package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// SecretCipher encrypts secrets at rest with AES-256-GCM
type SecretCipher struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewSecretCipher creates a cipher from the provider's encryption key.
// random may be nil, in which case crypto/rand is used for nonces.
func NewSecretCipher(keys KeyProvider, random io.Reader) (*SecretCipher, error) {
	key, err := keys.EncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	if len(key) != EncryptionKeyLength {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", EncryptionKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if random == nil {
		random = rand.Reader
	}
	return &SecretCipher{aead: gcm, random: random}, nil
}

// Encrypt seals plaintext, binding it to additionalData (e.g. the owning method id).
// Returns: (ciphertext, nonce, error)
func (c *SecretCipher) Encrypt(plaintext, additionalData []byte) ([]byte, []byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same additionalData
func (c *SecretCipher) Decrypt(ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}
