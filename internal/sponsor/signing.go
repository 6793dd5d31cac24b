package sponsor

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the sponsor's keypair. The mutex serializes signing so the
// key material is only ever touched from one goroutine at a time.
type Signer struct {
	mu  sync.Mutex
	key solana.PrivateKey
}

func NewSigner(base58Key string) (*Signer, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("parse sponsor key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewSignerFromKey wraps an existing keypair. Used in tests.
func NewSignerFromKey(key solana.PrivateKey) *Signer {
	return &Signer{key: key}
}

func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// SignAsFeePayer adds the sponsor's signature to tx, leaving other required
// signature slots untouched.
func (s *Signer) SignAsFeePayer(tx *solana.Transaction) error {
	return s.Sign(tx)
}

// Sign partial-signs tx with the sponsor key plus any extra keys the caller
// holds (burner accounts).
func (s *Signer) Sign(tx *solana.Transaction, extra ...solana.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[solana.PublicKey]solana.PrivateKey, len(extra)+1)
	keys[s.key.PublicKey()] = s.key
	for _, k := range extra {
		keys[k.PublicKey()] = k
	}

	if _, err := tx.PartialSign(func(pub solana.PublicKey) *solana.PrivateKey {
		if k, ok := keys[pub]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// VerifyFullySigned checks that every required signature slot is populated
// and that all signatures verify against the message. Partially signed
// transactions (user signed but sponsor slot empty, or vice versa) fail with
// ErrMissingSignature.
func VerifyFullySigned(tx *solana.Transaction) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < required {
		return fmt.Errorf("%w: have %d of %d signatures", ErrMissingSignature, len(tx.Signatures), required)
	}
	var zero solana.Signature
	for i := 0; i < required; i++ {
		if tx.Signatures[i] == zero {
			return fmt.Errorf("%w: slot %d is empty", ErrMissingSignature, i)
		}
	}
	if err := tx.VerifySignatures(); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}
	return nil
}
