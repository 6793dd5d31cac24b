package sponsor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/metrics"
)

// Sweeper dry-runs deposits before broadcast and, under the prefund strategy,
// builds the transaction that returns a payer's exact post-deposit residue to
// the sponsor. Sweeping the simulated residue rather than a fee estimate
// means the payer account ends at zero and the sponsor recovers everything it
// fronted minus the real fee.
type Sweeper struct {
	chain  ChainClient
	signer *Signer
	logger *slog.Logger
}

func NewSweeper(chainClient ChainClient, signer *Signer, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		chain:  chainClient,
		signer: signer,
		logger: logger.With("component", "sweeper"),
	}
}

// Validate dry-runs tx and fails with ErrSimulationFailed if it would error
// on chain. Used before any side effect so bad deposits never reach the relay.
func (s *Sweeper) Validate(ctx context.Context, tx *solana.Transaction) error {
	_, err := s.simulate(ctx, tx, nil)
	return err
}

// BuildResidueSweep simulates the deposit, reads the payer's simulated
// post-balance, and returns an unsigned transfer of exactly that residue back
// to the sponsor. Fee paid by the sponsor so the residue is untouched. The
// payer countersigns it alongside the deposit; the sponsor adds its signature
// at submit. Returns a nil transaction when nothing would remain to sweep.
func (s *Sweeper) BuildResidueSweep(ctx context.Context, deposit *solana.Transaction, payer solana.PublicKey) (*solana.Transaction, uint64, error) {
	outcome, err := s.simulate(ctx, deposit, []solana.PublicKey{payer})
	if err != nil {
		return nil, 0, err
	}

	residue := outcome.PostBalances[payer]
	if residue == 0 {
		return nil, 0, nil
	}

	blockhash, _, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(residue, payer, s.signer.PublicKey()).Build(),
		},
		blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("build sweep transaction: %w", err)
	}

	s.logger.Debug("sweep built", "payer", payer.String(), "residue_lamports", residue)
	return tx, residue, nil
}

func (s *Sweeper) simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*chain.SimulationOutcome, error) {
	start := time.Now()
	outcome, err := s.chain.Simulate(ctx, tx, watch)
	metrics.SimulationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("simulate deposit: %w", err)
	}
	if outcome.Failed {
		s.logger.Warn("deposit simulation failed", "error", outcome.ErrText, "logs", outcome.Logs)
		return nil, fmt.Errorf("%w: %s", ErrSimulationFailed, outcome.ErrText)
	}
	return outcome, nil
}
