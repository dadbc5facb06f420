package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPadding indicates the decrypted payload does not end in valid PKCS#7 padding.
	ErrInvalidPadding = fmt.Errorf("%w: invalid padding", ErrCrypto)
	// ErrInvalidCiphertext indicates a ciphertext that is not a whole number of blocks.
	ErrInvalidCiphertext = fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrCrypto)
)

// The protocol fixes the CBC initialization vector to all zeros. Changing it
// breaks every deployed peer and requires a protocol version bump.
var zeroIV = make([]byte, aes.BlockSize)

// EncryptPayload encrypts plaintext with AES-256-CBC, PKCS#7 padding and the zero IV.
func EncryptPayload(key, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(key, ciphertext []byte) ([]byte, error) {
	raw, err := DecryptPayloadRaw(key, ciphertext)
	if err != nil {
		return nil, err
	}
	return unpad(raw, aes.BlockSize)
}

// DecryptPayloadRaw decrypts without removing the padding. Callers use it to
// inspect payloads whose padding failed to verify.
func DecryptPayloadRaw(key, ciphertext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// EncryptedSize returns the ciphertext length produced for a plaintext of n bytes.
func EncryptedSize(n int) int {
	return (n/aes.BlockSize + 1) * aes.BlockSize
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: invalid symmetric key length: got %d want %d", ErrCrypto, len(key), SymmetricKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher: %v", ErrCrypto, err)
	}
	return block, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

// IsPaddingError reports whether err came from a padding check.
func IsPaddingError(err error) bool {
	return errors.Is(err, ErrInvalidPadding)
}
