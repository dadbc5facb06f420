package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const rsaPrivatePEMType = "RSA PRIVATE KEY"

// EnsurePrivateKey loads an RSA private key from disk, generating it if absent.
func EnsurePrivateKey(path string) (*rsa.PrivateKey, error) {
	privateKey, err := LoadPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, _, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// LoadPrivateKey reads a PKCS#1 RSA private key from PEM.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA PEM: unexpected type %q", block.Type)
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	if privateKey.N.BitLen() != RSAKeyBits {
		return nil, fmt.Errorf("parse RSA private key: modulus is %d bits, want %d", privateKey.N.BitLen(), RSAKeyBits)
	}

	return privateKey, nil
}

// SavePrivateKey writes an RSA private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	if key == nil {
		return errors.New("save RSA private key: key is required")
	}

	block := &pem.Block{
		Type:  rsaPrivatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}

	return nil
}
