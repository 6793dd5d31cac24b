package sponsor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/pool"
	"github.com/veilpay/veilpay/internal/session"
)

// Proof verification is compute-heavy; the default 200k budget is not enough.
const depositComputeUnits = 600_000

// Builder assembles unsigned deposit transactions for users to countersign.
// Under the prefund strategy it also fronts the payer's fee and builds the
// unsigned sweep that returns the residue, so both artifacts go out for
// signing together.
type Builder struct {
	chain      ChainClient
	pool       pool.Pool
	funder     *Funder
	sweeper    *Sweeper
	sponsorKey solana.PublicKey
	maxDeposit decimal.Decimal
	feeBuffer  float64
	strategy   config.SponsorshipStrategy
	logger     *slog.Logger
}

func NewBuilder(chainClient ChainClient, p pool.Pool, funder *Funder, sweeper *Sweeper, sponsorKey solana.PublicKey, maxDeposit decimal.Decimal, feeBuffer float64, strategy config.SponsorshipStrategy, logger *slog.Logger) *Builder {
	return &Builder{
		chain:      chainClient,
		pool:       p,
		funder:     funder,
		sweeper:    sweeper,
		sponsorKey: sponsorKey,
		maxDeposit: maxDeposit,
		feeBuffer:  feeBuffer,
		strategy:   strategy,
		logger:     logger.With("component", "builder"),
	}
}

// BuildParams describes a deposit to prepare.
type BuildParams struct {
	Payer    solana.PublicKey
	Amount   decimal.Decimal
	Token    model.Token
	Profile  Profile
	Evidence session.Evidence
}

// UnsignedDeposit is a prepared deposit awaiting the payer's signature.
// SweepTx is set only under the prefund strategy, when a residue would
// remain on the payer; it needs the payer's signature too.
type UnsignedDeposit struct {
	Tx           *solana.Transaction
	SweepTx      *solana.Transaction
	ExpiryHeight uint64
	OutputHandle string
	AmountBase   uint64
}

// BuildDeposit validates limits and balances, fetches a prover-built shield
// instruction, and wraps it in a transaction whose fee payer depends on the
// sponsorship strategy: the sponsor directly, or the payer after a prefund.
func (b *Builder) BuildDeposit(ctx context.Context, params BuildParams) (*UnsignedDeposit, error) {
	if params.Amount.GreaterThan(b.maxDeposit) {
		return nil, fmt.Errorf("%w: %s over limit %s", ErrPoolLimitExceeded, params.Amount, b.maxDeposit)
	}

	amountBase, err := params.Token.ToBaseUnits(params.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}

	if err := b.checkBalance(ctx, params.Payer, params.Token, amountBase); err != nil {
		return nil, err
	}

	prefund := b.strategy == config.StrategyPrefundSweep
	if prefund {
		// Top up the payer before the dry-run so the simulated residue
		// reflects the fronted fee.
		fee, err := FeeLamports(params.Profile, b.feeBuffer)
		if err != nil {
			return nil, err
		}
		if _, err := b.funder.EnsureBalance(ctx, params.Payer, fee); err != nil {
			return nil, fmt.Errorf("prefund payer: %w", err)
		}
	}

	deposit, err := b.pool.DepositInstruction(ctx, pool.DepositParams{
		Payer:      params.Payer,
		AmountBase: amountBase,
		Token:      params.Token,
		Evidence:   params.Evidence,
	})
	if err != nil {
		return nil, err
	}

	blockhash, expiryHeight, err := b.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch blockhash: %w", err)
	}

	feePayer := b.sponsorKey
	if prefund {
		feePayer = params.Payer
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			computebudget.NewSetComputeUnitLimitInstruction(depositComputeUnits).Build(),
			deposit.Instruction,
		},
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("build deposit transaction: %w", err)
	}

	var sweepTx *solana.Transaction
	if prefund {
		sweepTx, _, err = b.sweeper.BuildResidueSweep(ctx, tx, params.Payer)
		if err != nil {
			return nil, err
		}
	}

	b.logger.Debug("deposit prepared",
		"payer", params.Payer.String(),
		"token", params.Token,
		"amount_base", amountBase,
		"expiry_height", expiryHeight,
		"sweep", sweepTx != nil,
	)
	return &UnsignedDeposit{
		Tx:           tx,
		SweepTx:      sweepTx,
		ExpiryHeight: expiryHeight,
		OutputHandle: deposit.OutputHandle,
		AmountBase:   amountBase,
	}, nil
}

func (b *Builder) checkBalance(ctx context.Context, payer solana.PublicKey, token model.Token, amountBase uint64) error {
	var balance uint64
	var err error
	if token.IsNative() {
		balance, err = b.chain.Balance(ctx, payer)
	} else {
		var mint solana.PublicKey
		mint, err = solana.PublicKeyFromBase58(*token.Info().Mint)
		if err != nil {
			return fmt.Errorf("parse mint for %s: %w", token, err)
		}
		balance, err = b.chain.TokenBalance(ctx, payer, mint)
	}
	if err != nil {
		return fmt.Errorf("read payer balance: %w", err)
	}
	if balance < amountBase {
		return fmt.Errorf("%w: have %d, need %d base units of %s", ErrInsufficientBalance, balance, amountBase, token)
	}
	return nil
}
