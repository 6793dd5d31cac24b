package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/veilpay/veilpay/internal/chain/ratelimit"
	"github.com/veilpay/veilpay/internal/chain/rpc"
	"github.com/veilpay/veilpay/internal/retry"
)

// Client is the chain-access context object. It owns the JSON-RPC client,
// the shared rate limiter, and confirmation polling; everything downstream
// receives it by injection rather than reaching for globals.
type Client struct {
	rpc             rpc.ChainRPC
	limiter         *ratelimit.Limiter
	confirmInterval time.Duration
	confirmTimeout  time.Duration
	logger          *slog.Logger
}

type Config struct {
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
}

func NewClient(rpcClient rpc.ChainRPC, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Client {
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &Client{
		rpc:             rpcClient,
		limiter:         limiter,
		confirmInterval: cfg.ConfirmInterval,
		confirmTimeout:  cfg.ConfirmTimeout,
		logger:          logger.With("component", "chain"),
	}
}

// ErrTxFailed marks a transaction that executed and failed on chain, as
// opposed to one that never confirmed. Callers racing over the same funds
// match on it to tell "lost the race" apart from RPC trouble.
var ErrTxFailed = errors.New("transaction failed on chain")

// SimulationOutcome is the distilled result of a transaction dry-run.
type SimulationOutcome struct {
	Failed       bool
	ErrText      string
	Logs         []string
	PostBalances map[solana.PublicKey]uint64
}

// Balance returns the lamport balance of an account.
func (c *Client) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	balance, err := c.rpc.GetBalance(ctx, addr.String())
	ratelimit.RecordRPCCall("getBalance", err)
	return balance, err
}

// TokenBalance returns the base-unit balance of owner's associated token
// account for mint. A missing token account reads as zero.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("derive token account: %w", err)
	}

	exists, err := c.AccountExists(ctx, ata)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	balance, err := c.rpc.GetTokenAccountBalance(ctx, ata.String())
	ratelimit.RecordRPCCall("getTokenAccountBalance", err)
	return balance, err
}

// LatestBlockhash returns the current blockhash and the height past which a
// transaction built on it expires.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return solana.Hash{}, 0, err
	}
	result, err := c.rpc.GetLatestBlockhash(ctx)
	ratelimit.RecordRPCCall("getLatestBlockhash", err)
	if err != nil {
		return solana.Hash{}, 0, err
	}
	hash, err := solana.HashFromBase58(result.Blockhash)
	if err != nil {
		return solana.Hash{}, 0, fmt.Errorf("parse blockhash %q: %w", result.Blockhash, err)
	}
	return hash, result.LastValidBlockHeight, nil
}

// CurrentHeight returns the chain's current block height.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	height, err := c.rpc.GetBlockHeight(ctx)
	ratelimit.RecordRPCCall("getBlockHeight", err)
	return height, err
}

// Simulate dry-runs tx without broadcasting and reads back the
// post-execution lamport balances of the watch accounts.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*SimulationOutcome, error) {
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	watchAddrs := make([]string, len(watch))
	for i, pk := range watch {
		watchAddrs[i] = pk.String()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.rpc.SimulateTransaction(ctx, encoded, watchAddrs)
	ratelimit.RecordRPCCall("simulateTransaction", err)
	if err != nil {
		return nil, err
	}

	outcome := &SimulationOutcome{
		Logs:         result.Logs,
		PostBalances: make(map[solana.PublicKey]uint64, len(watch)),
	}
	if result.Err != nil {
		outcome.Failed = true
		outcome.ErrText = fmt.Sprintf("%v", result.Err)
	}
	for i, account := range result.Accounts {
		if i >= len(watch) || account == nil {
			continue
		}
		outcome.PostBalances[watch[i]] = account.Lamports
	}
	return outcome, nil
}

// Send broadcasts a fully signed transaction and returns its signature.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (string, error) {
	encoded, err := tx.ToBase64()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	signature, err := c.rpc.SendTransaction(ctx, encoded)
	ratelimit.RecordRPCCall("sendTransaction", err)
	return signature, err
}

// Confirm polls signature status until the transaction is confirmed,
// the transaction fails on chain, or the confirmation window elapses.
// Transient RPC errors keep the poll alive; terminal ones abort it.
func (c *Client) Confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return confirmErr(ctx, signature, err)
		}
		statuses, err := c.rpc.GetSignatureStatuses(ctx, []string{signature})
		ratelimit.RecordRPCCall("getSignatureStatuses", err)
		if err != nil {
			if !retry.Classify(err).IsTransient() {
				return fmt.Errorf("confirm %s: %w", signature, err)
			}
			c.logger.Debug("signature status poll failed, retrying", "signature", signature, "error", err)
		} else if len(statuses) > 0 && statuses[0] != nil {
			status := statuses[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTxFailed, signature, status.Err)
			}
			if status.ConfirmationStatus != nil &&
				(*status.ConfirmationStatus == "confirmed" || *status.ConfirmationStatus == "finalized") {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return confirmErr(ctx, signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// AccountExists reports whether an account is present on chain.
func (c *Client) AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	exists, err := c.rpc.AccountExists(ctx, addr.String())
	ratelimit.RecordRPCCall("getAccountInfo", err)
	return exists, err
}

func confirmErr(ctx context.Context, signature string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("confirm %s: confirmation window elapsed: %w", signature, err)
	}
	return fmt.Errorf("confirm %s: %w", signature, err)
}
