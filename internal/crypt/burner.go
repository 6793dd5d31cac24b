package crypt

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// GenerateBurner creates a disposable keypair used as the intermediate hop
// of a claim link. The secret never touches the record store unencrypted.
func GenerateBurner() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate burner keypair: %w", err)
	}
	return key, nil
}
