package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Signer holds the RSA signing key and its stable key ID. The key is
// loaded once at startup; the mutex guards against a future rotation path.
type Signer struct {
	mu  sync.RWMutex
	key *rsa.PrivateKey
	kid string
}

// Key returns the private signing key.
func (s *Signer) Key() *rsa.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// PublicKey returns the verification half of the signing key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &s.key.PublicKey
}

// KeyID returns the key ID published in JWKS and JWT headers.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kid
}

// NewSigner loads an RSA private key and its ID from disk, or generates and
// saves them if they don't exist. An empty keyPath generates an ephemeral
// key, acceptable for dev only since restarts invalidate outstanding tokens.
func NewSigner(keyPath string) (*Signer, error) {
	key, kid, err := loadOrGenerateSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, kid: kid}, nil
}

func loadOrGenerateSigningKey(keyPath string) (*rsa.PrivateKey, string, error) {
	if keyPath == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, uuid.NewString(), err
	}

	keyIDPath := keyPath + ".kid"

	// Try to load existing key from disk
	keyData, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(keyData)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			return nil, "", fmt.Errorf("invalid PEM block in signing key")
		}
		privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse signing key: %w", err)
		}

		keyIDData, err := os.ReadFile(keyIDPath)
		if err != nil {
			return nil, "", fmt.Errorf("read key ID file: %w", err)
		}
		keyID := strings.TrimSpace(string(keyIDData))
		if keyID == "" {
			return nil, "", fmt.Errorf("key ID file is empty")
		}

		return privateKey, keyID, nil
	}

	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read signing key file: %w", err)
	}

	// Generate new 2048-bit RSA key
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate signing key: %w", err)
	}

	keyID := uuid.NewString()

	keyBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: keyBytes,
	})

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, "", fmt.Errorf("save signing key to disk: %w", err)
	}
	if err := os.WriteFile(keyIDPath, []byte(keyID), 0600); err != nil {
		return nil, "", fmt.Errorf("save key ID to disk: %w", err)
	}

	return privateKey, keyID, nil
}
