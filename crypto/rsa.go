package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// RSAKeyBits is the modulus size shared by every peer of the protocol.
	RSAKeyBits = 1024
	// PublicKeySize is the exact size of a serialized public key.
	PublicKeySize = 160
	// EncryptedKeySize is the RSA-OAEP ciphertext size for RSAKeyBits.
	EncryptedKeySize = RSAKeyBits / 8
	// SymmetricKeySize is the AES-256 key size.
	SymmetricKeySize = 32
)

var (
	// ErrCrypto marks key generation, encryption and decryption failures.
	ErrCrypto = errors.New("crypto: operation failed")
	// ErrInvalidPublicKey indicates a public key blob that cannot be parsed.
	ErrInvalidPublicKey = fmt.Errorf("%w: invalid public key", ErrCrypto)
)

var oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// The algorithm identifier is encoded without the NULL parameter. With a
// 1024-bit modulus and e=65537 this yields the 160-byte key blob peers
// exchange. RFC 3279 requires the NULL, so x509.ParsePKIXPublicKey and other
// strict SPKI parsers reject blobs from MarshalPublicKey. Inbound parsing
// ignores the parameters and accepts any well-formed 160-byte SPKI, such as
// a standard encoding with e=17.
type publicKeyAlgorithm struct {
	Algorithm asn1.ObjectIdentifier
}

type subjectPublicKeyInfo struct {
	Algorithm publicKeyAlgorithm
	PublicKey asn1.BitString
}

// GenerateKeyPair creates an RSA key pair and its 160-byte public key blob.
func GenerateKeyPair() (*rsa.PrivateKey, []byte, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate RSA key: %v", ErrCrypto, err)
	}

	publicKey, err := MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// MarshalPublicKey serializes an RSA public key into the fixed wire form.
func MarshalPublicKey(key *rsa.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: public key is required", ErrCrypto)
	}

	pkcs1 := x509.MarshalPKCS1PublicKey(key)
	raw, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: publicKeyAlgorithm{Algorithm: oidRSAEncryption},
		PublicKey: asn1.BitString{Bytes: pkcs1, BitLength: len(pkcs1) * 8},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %v", ErrCrypto, err)
	}
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("%w: serialized public key is %d bytes, want %d", ErrCrypto, len(raw), PublicKeySize)
	}
	return raw, nil
}

// ParsePublicKey parses a 160-byte public key blob.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidPublicKey, len(raw), PublicKeySize)
	}

	var info subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(raw, &info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPublicKey)
	}
	if !info.Algorithm.Algorithm.Equal(oidRSAEncryption) {
		return nil, fmt.Errorf("%w: unexpected algorithm %v", ErrInvalidPublicKey, info.Algorithm.Algorithm)
	}

	key, err := x509.ParsePKCS1PublicKey(info.PublicKey.RightAlign())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if key.N.BitLen() != RSAKeyBits {
		return nil, fmt.Errorf("%w: modulus is %d bits", ErrInvalidPublicKey, key.N.BitLen())
	}
	return key, nil
}

// GenerateSymmetricKey returns a fresh random AES-256 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate symmetric key: %v", ErrCrypto, err)
	}
	return key, nil
}

// EncryptSymmetricKey wraps key with RSA-OAEP (SHA-1) under publicKey.
func EncryptSymmetricKey(publicKey, key []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: invalid symmetric key length: got %d want %d", ErrCrypto, len(key), SymmetricKeySize)
	}

	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt symmetric key: %v", ErrCrypto, err)
	}
	return ciphertext, nil
}

// DecryptSymmetricKey unwraps a key produced by EncryptSymmetricKey.
func DecryptSymmetricKey(privateKey *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: private key is required", ErrCrypto)
	}
	if len(ciphertext) != EncryptedKeySize {
		return nil, fmt.Errorf("%w: invalid encrypted key length: got %d want %d", ErrCrypto, len(ciphertext), EncryptedKeySize)
	}

	key, err := rsa.DecryptOAEP(sha1.New(), nil, privateKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt symmetric key: %v", ErrCrypto, err)
	}
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: decrypted key is %d bytes", ErrCrypto, len(key))
	}
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key blob.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
