package sponsor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/veilpay/veilpay/internal/alert"
	"github.com/veilpay/veilpay/internal/metrics"
)

// Funder tops target accounts up to a required lamport balance out of the
// sponsor account. Used by the prefund strategy and by burner funding.
type Funder struct {
	chain      ChainClient
	signer     *Signer
	minBalance uint64
	alerter    alert.Alerter
	logger     *slog.Logger
}

func NewFunder(chainClient ChainClient, signer *Signer, minBalance uint64, alerter alert.Alerter, logger *slog.Logger) *Funder {
	return &Funder{
		chain:      chainClient,
		signer:     signer,
		minBalance: minBalance,
		alerter:    alerter,
		logger:     logger.With("component", "funder"),
	}
}

// FundResult reports whether a top-up was needed and, if so, its signature.
type FundResult struct {
	ToppedUp bool
	TxHash   string
}

// EnsureBalance tops target up to required lamports. Idempotent: a target
// already at or above required is left alone, so a retried submit never
// double-funds.
func (f *Funder) EnsureBalance(ctx context.Context, target solana.PublicKey, required uint64) (*FundResult, error) {
	balance, err := f.chain.Balance(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("read target balance: %w", err)
	}
	if balance >= required {
		return &FundResult{ToppedUp: false}, nil
	}
	shortfall := required - balance

	if err := f.checkSponsorBalance(ctx, shortfall); err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	instr := system.NewTransferInstruction(shortfall, f.signer.PublicKey(), target).Build()
	blockhash, _, err := f.chain.LatestBlockhash(ctx)
	if err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash,
		solana.TransactionPayer(f.signer.PublicKey()),
	)
	if err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("build funding transaction: %w", err)
	}
	if err := f.signer.Sign(tx); err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	sig, err := f.chain.Send(ctx, tx)
	if err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("send funding transaction: %w", err)
	}
	if err := f.chain.Confirm(ctx, sig); err != nil {
		metrics.FundingsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("confirm funding transaction: %w", err)
	}

	f.logger.Info("funded target account",
		"target", target.String(),
		"lamports", shortfall,
		"signature", sig,
	)
	metrics.FundingsTotal.WithLabelValues("success").Inc()
	return &FundResult{ToppedUp: true, TxHash: sig}, nil
}

// checkSponsorBalance refreshes the sponsor balance gauge and raises a
// low-balance alert when the post-spend balance would dip under the floor.
func (f *Funder) checkSponsorBalance(ctx context.Context, spend uint64) error {
	balance, err := f.chain.Balance(ctx, f.signer.PublicKey())
	if err != nil {
		return fmt.Errorf("read sponsor balance: %w", err)
	}
	metrics.SponsorBalanceLamports.Set(float64(balance))

	if balance < spend {
		return fmt.Errorf("sponsor account holds %d lamports, need %d", balance, spend)
	}
	if balance-spend < f.minBalance {
		_ = f.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeSponsorLowBalance,
			Flow:    "sponsor",
			Title:   "Sponsor balance low",
			Message: "sponsor account is running below the configured minimum",
			Fields: map[string]string{
				"balance_lamports": strconv.FormatUint(balance, 10),
				"min_lamports":     strconv.FormatUint(f.minBalance, 10),
			},
		})
	}
	return nil
}
