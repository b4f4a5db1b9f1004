package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/BradenHooton/authcore/internal/models"
)

// EncryptionKeyLength is the AES-256 key size for secrets at rest
const EncryptionKeyLength = 32

// KeyProvider supplies key material. Implementations never generate keys on demand.
type KeyProvider interface {
	SigningKey() (crypto.Signer, error)
	VerificationKey() (crypto.PublicKey, error)
	EncryptionKey() ([]byte, error)
}

// StaticKeyProvider serves keys loaded once from configuration
type StaticKeyProvider struct {
	signer crypto.Signer
	public crypto.PublicKey
	encKey []byte
}

// NewStaticKeyProvider wraps already-parsed keys.
// signer may be nil for verify-only deployments; encKey may be nil if nothing is encrypted.
func NewStaticKeyProvider(signer crypto.Signer, public crypto.PublicKey, encKey []byte) (*StaticKeyProvider, error) {
	if public == nil && signer != nil {
		public = signer.Public()
	}
	if public == nil {
		return nil, fmt.Errorf("public key is required: %w", models.ErrNoKey)
	}
	if signer != nil && KeyAlg(signer.Public()) == "" {
		return nil, fmt.Errorf("unsupported signing key type %T", signer.Public())
	}
	if signer != nil && !samePublicKey(signer.Public(), public) {
		return nil, fmt.Errorf("public key does not belong to the signing key")
	}
	if encKey != nil && len(encKey) != EncryptionKeyLength {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", EncryptionKeyLength, len(encKey))
	}
	return &StaticKeyProvider{signer: signer, public: public, encKey: encKey}, nil
}

func samePublicKey(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

// NewStaticKeyProviderFromPEM parses PEM private/public keys (inline or file path)
// and a base64 encoded encryption key
func NewStaticKeyProviderFromPEM(privatePEM, publicPEM, encKeyB64 string) (*StaticKeyProvider, error) {
	var signer crypto.Signer
	if strings.TrimSpace(privatePEM) != "" {
		s, err := ParsePrivateKey(privatePEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		signer = s
	}

	var public crypto.PublicKey
	if strings.TrimSpace(publicPEM) != "" {
		p, err := ParsePublicKey(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		public = p
	}

	var encKey []byte
	if encKeyB64 != "" {
		k, err := base64.StdEncoding.DecodeString(encKeyB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key: %w", err)
		}
		encKey = k
	}

	return NewStaticKeyProvider(signer, public, encKey)
}

func (p *StaticKeyProvider) SigningKey() (crypto.Signer, error) {
	if p.signer == nil {
		return nil, fmt.Errorf("signing key: %w", models.ErrNoKey)
	}
	return p.signer, nil
}

func (p *StaticKeyProvider) VerificationKey() (crypto.PublicKey, error) {
	return p.public, nil
}

func (p *StaticKeyProvider) EncryptionKey() ([]byte, error) {
	if p.encKey == nil {
		return nil, fmt.Errorf("encryption key: %w", models.ErrNoKey)
	}
	return p.encKey, nil
}

// NoKeyProvider fails every request for key material
type NoKeyProvider struct{}

func (NoKeyProvider) SigningKey() (crypto.Signer, error) {
	return nil, models.ErrNoKey
}

func (NoKeyProvider) VerificationKey() (crypto.PublicKey, error) {
	return nil, models.ErrNoKey
}

func (NoKeyProvider) EncryptionKey() ([]byte, error) {
	return nil, models.ErrNoKey
}

// loadPEM reads content from path if s does not look like inline PEM
func loadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, models.ErrNoKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// ParsePrivateKey parses a PEM-encoded RSA or ECDSA private key
func ParsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := loadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// ParsePublicKey parses a PEM-encoded RSA or ECDSA public key
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := loadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// KeyAlg returns the JWS algorithm for a public key, or "" when unsupported
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}
