package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrInvalidPassphrase is returned when a ciphertext's MAC does not verify,
// i.e. the passphrase (or derived key) is wrong.
var ErrInvalidPassphrase = errors.New("invalid passphrase")

// ErrInvalidCiphertext is returned when the payload is structurally broken
// before any decryption is attempted.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

const (
	saltSize  = 16
	nonceSize = 24

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// EncryptWithPassphrase seals secret under a key stretched from passphrase
// with argon2id. Output layout: base64(salt || nonce || box).
func EncryptWithPassphrase(secret []byte, passphrase string) (string, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt[:])
	return seal(secret, key, salt[:])
}

// DecryptWithPassphrase reverses EncryptWithPassphrase. A wrong passphrase
// fails with ErrInvalidPassphrase, not a generic error.
func DecryptWithPassphrase(encoded, passphrase string) ([]byte, error) {
	salt, nonce, box, err := split(encoded, true)
	if err != nil {
		return nil, err
	}

	key := deriveKey(passphrase, salt)
	plain, ok := secretbox.Open(nil, box, nonce, key)
	if !ok {
		return nil, ErrInvalidPassphrase
	}
	return plain, nil
}

// EncryptWithKey seals secret under a caller-provided 32-byte key (e.g. one
// derived from a session signature). Output layout: base64(nonce || box).
func EncryptWithKey(secret []byte, key *[32]byte) (string, error) {
	return seal(secret, key, nil)
}

// DecryptWithKey reverses EncryptWithKey. A wrong key fails with
// ErrInvalidPassphrase for parity with the passphrase path.
func DecryptWithKey(encoded string, key *[32]byte) ([]byte, error) {
	_, nonce, box, err := split(encoded, false)
	if err != nil {
		return nil, err
	}

	plain, ok := secretbox.Open(nil, box, nonce, key)
	if !ok {
		return nil, ErrInvalidPassphrase
	}
	return plain, nil
}

func deriveKey(passphrase string, salt []byte) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32))
	return &key
}

func seal(secret []byte, key *[32]byte, salt []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := make([]byte, 0, len(salt)+nonceSize+len(secret)+secretbox.Overhead)
	payload = append(payload, salt...)
	payload = append(payload, nonce[:]...)
	payload = secretbox.Seal(payload, secret, &nonce, key)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func split(encoded string, withSalt bool) (salt []byte, nonce *[nonceSize]byte, box []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	offset := 0
	if withSalt {
		if len(raw) < saltSize {
			return nil, nil, nil, ErrInvalidCiphertext
		}
		salt = raw[:saltSize]
		offset = saltSize
	}
	if len(raw) < offset+nonceSize+secretbox.Overhead {
		return nil, nil, nil, ErrInvalidCiphertext
	}

	nonce = new([nonceSize]byte)
	copy(nonce[:], raw[offset:offset+nonceSize])
	return salt, nonce, raw[offset+nonceSize:], nil
}
