package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/hkdf"
)

// Message is the fixed, publicly known text users sign once per session.
// The signature proves address ownership and seeds the pool encryption key,
// so the server never holds a user's private key.
const Message = "veilpay: prove address ownership and derive private balance keys. Signing this message authorizes no transfer."

// ErrBadSignature is returned when a session signature does not verify
// against the claimed address.
var ErrBadSignature = errors.New("session signature does not match address")

const derivationInfo = "veilpay/pool-encryption/v1"

// Verify checks that signature is a valid ed25519 signature over Message by
// the key behind address.
func Verify(address string, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrBadSignature, ed25519.SignatureSize, len(signature))
	}
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return fmt.Errorf("%w: bad address: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub.Bytes(), []byte(Message), signature) {
		return ErrBadSignature
	}
	return nil
}

// DeriveKey stretches a session signature into a 32-byte symmetric key.
// Deterministic: the same signature always yields the same key, which is
// what lets a later reclaim decrypt what an earlier prepare encrypted.
func DeriveKey(signature []byte) (*[32]byte, error) {
	reader := hkdf.New(sha256.New, signature, nil, []byte(derivationInfo))
	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return &key, nil
}

// Evidence is the authorization material a flow carries into the pool:
// either a session signature (normal mode, server never sees a private key)
// or a full keypair (burner accounts, where the service legitimately holds
// the key).
type Evidence struct {
	signature []byte
	keypair   solana.PrivateKey
}

func FromSignature(signature []byte) Evidence {
	return Evidence{signature: signature}
}

func FromKeypair(keypair solana.PrivateKey) Evidence {
	return Evidence{keypair: keypair}
}

// EncryptionKey derives the pool encryption key from whichever material the
// evidence holds.
func (e Evidence) EncryptionKey() (*[32]byte, error) {
	sig := e.signature
	if sig == nil {
		if e.keypair == nil {
			return nil, errors.New("evidence holds neither signature nor keypair")
		}
		signed, err := e.keypair.Sign([]byte(Message))
		if err != nil {
			return nil, fmt.Errorf("sign session message: %w", err)
		}
		sig = signed[:]
	}
	return DeriveKey(sig)
}

// Keypair returns the held keypair, nil in signature mode.
func (e Evidence) Keypair() solana.PrivateKey {
	return e.keypair
}
