package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// GenerateEd25519Key returns a fresh Ed25519 private key as PKCS8 PEM.
func GenerateEd25519Key() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptox: generate Ed25519 key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("cryptox: marshal PKCS8 key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadOrGenerateEd25519Key reads a PEM key from path. An empty path yields
// an ephemeral key, so tokens signed before a restart cannot be re-verified
// with the new key (the stored values themselves are unaffected).
func LoadOrGenerateEd25519Key(path string) ([]byte, error) {
	if path == "" {
		return GenerateEd25519Key()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptox: read signing key: %w", err)
	}
	return data, nil
}

// Ed25519KeyID derives a stable key id from the public half of a PKCS8 PEM
// Ed25519 key, so the same key file always yields the same kid.
func Ed25519KeyID(pemKey []byte) (string, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return "", errors.New("cryptox: invalid PEM for Ed25519 key")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("cryptox: parse PKCS8: %w", err)
	}
	key, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return "", errors.New("cryptox: not an Ed25519 private key")
	}

	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", fmt.Errorf("cryptox: marshal public key: %w", err)
	}
	return FingerprintToken(string(der)), nil
}
