package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey failed: %v", err)
	}

	for _, size := range []int{0, 1, 15, 16, 17, 4096, 100_003} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("generate plaintext: %v", err)
		}

		ciphertext, err := EncryptPayload(key, plaintext)
		if err != nil {
			t.Fatalf("EncryptPayload(%d bytes) failed: %v", size, err)
		}
		if len(ciphertext) != EncryptedSize(size) {
			t.Fatalf("expected %d ciphertext bytes for %d plaintext bytes, got %d", EncryptedSize(size), size, len(ciphertext))
		}

		decrypted, err := DecryptPayload(key, ciphertext)
		if err != nil {
			t.Fatalf("DecryptPayload(%d bytes) failed: %v", size, err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Fatalf("decrypted plaintext does not match original for %d bytes", size)
		}
	}
}

func TestEncryptPayloadIsDeterministicWithZeroIV(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, SymmetricKeySize)
	plaintext := []byte("same input, same output")

	first, err := EncryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	second, err := EncryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical ciphertexts under the fixed IV")
	}
}

func TestDecryptPayloadRejectsBadInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, SymmetricKeySize)

	if _, err := DecryptPayload(key, []byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := DecryptPayload(key[:16], make([]byte, 16)); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto for short key, got %v", err)
	}

	ciphertext, err := EncryptPayload(key, []byte("0123456789"))
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	otherKey := bytes.Repeat([]byte{0x02}, SymmetricKeySize)
	if _, err := DecryptPayload(otherKey, ciphertext); err == nil {
		// A wrong key almost always breaks the padding; tolerate the rare valid one.
		t.Logf("wrong key produced valid padding")
	} else if !IsPaddingError(err) {
		t.Fatalf("expected padding error, got %v", err)
	}
}
