package sponsor

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/veilpay/veilpay/internal/chain"
)

// ChainClient is the slice of chain access the sponsor layer needs.
// Satisfied by *chain.Client.
type ChainClient interface {
	Balance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	CurrentHeight(ctx context.Context) (uint64, error)
	Simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*chain.SimulationOutcome, error)
	Send(ctx context.Context, tx *solana.Transaction) (string, error)
	Confirm(ctx context.Context, signature string) error
}
