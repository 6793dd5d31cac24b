package session

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signSession(t *testing.T, key solana.PrivateKey) []byte {
	t.Helper()
	sig, err := key.Sign([]byte(Message))
	require.NoError(t, err)
	return sig[:]
}

func TestVerify(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	sig := signSession(t, key)

	require.NoError(t, Verify(key.PublicKey().String(), sig))
}

func TestVerify_WrongAddress(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	err = Verify(other.PublicKey().String(), signSession(t, key))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_BadLength(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	err = Verify(key.PublicKey().String(), []byte("short"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	sig := signSession(t, key)

	a, err := DeriveKey(sig)
	require.NoError(t, err)
	b, err := DeriveKey(sig)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	c, err := DeriveKey(signSession(t, other))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEvidence_EncryptionKeyParity(t *testing.T) {
	// Signature-mode and keypair-mode evidence for the same key must derive
	// the same encryption key, since ed25519 signatures are deterministic.
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	fromSig, err := FromSignature(signSession(t, key)).EncryptionKey()
	require.NoError(t, err)
	fromKey, err := FromKeypair(key).EncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, fromSig, fromKey)
}

func TestEvidence_Empty(t *testing.T) {
	_, err := Evidence{}.EncryptionKey()
	require.Error(t, err)
}
