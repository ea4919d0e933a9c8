// Package crypto provides RSA signing keys, JWT issuance and parsing, JWKS
// publication and opaque token helpers.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultKeySize is the default RSA key size in bits.
	DefaultKeySize = 2048
	// Algorithm is the JWT signing algorithm.
	Algorithm = "RS256"
	// KeyType is the JWK key type.
	KeyType = "RSA"
	// KeyUse is the JWK key use.
	KeyUse = "sig"
)

// KeyPair represents an RSA key pair for JWT signing.
type KeyPair struct {
	Kid        string          `json:"kid"`
	Alg        string          `json:"alg"`
	PrivateKey *rsa.PrivateKey `json:"-"`
	PublicKey  *rsa.PublicKey  `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Active     bool            `json:"active"`

	// Persisted form
	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	PublicKeyPEM  []byte `json:"public_key_pem,omitempty"`
}

// GenerateKeyPair generates a new RSA key pair.
func GenerateKeyPair(keySize int) (*KeyPair, error) {
	if keySize == 0 {
		keySize = DefaultKeySize
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kp := &KeyPair{
		Kid:        uuid.New().String(),
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
	if err := kp.encodePEM(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) encodePEM() error {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	kp.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pub, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	kp.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	return nil
}

// LoadFromPEM restores the RSA keys after the pair was read from storage.
// A pair with only a public key is valid for verification.
func (kp *KeyPair) LoadFromPEM() error {
	if kp.PublicKeyPEM == nil {
		return fmt.Errorf("PEM data is missing")
	}

	pub, err := ParsePublicKeyPEM(kp.PublicKeyPEM)
	if err != nil {
		return err
	}
	kp.PublicKey = pub

	if kp.PrivateKeyPEM == nil {
		return nil
	}
	block, _ := pem.Decode(kp.PrivateKeyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode private key PEM")
	}
	var key any
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return fmt.Errorf("unsupported private key PEM type: %s", block.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("not an RSA private key")
	}
	kp.PrivateKey = rsaKey
	return nil
}

// ensureLoaded decodes PEM fields when the parsed keys are missing.
func (kp *KeyPair) ensureLoaded() error {
	if kp.PublicKey != nil && (kp.PrivateKey != nil || kp.PrivateKeyPEM == nil) {
		return nil
	}
	return kp.LoadFromPEM()
}

// ParsePublicKeyPEM parses a PKIX RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaKey, nil
}

// IsExpired checks if the key has expired.
func (kp *KeyPair) IsExpired() bool {
	if kp.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(kp.ExpiresAt)
}
