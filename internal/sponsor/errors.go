package sponsor

import "errors"

// Sentinel errors surfaced to flows and translated into API responses.
var (
	// ErrInsufficientBalance means the payer cannot cover the deposit amount.
	ErrInsufficientBalance = errors.New("insufficient balance for deposit")

	// ErrPoolLimitExceeded means the amount is over the pool's per-deposit cap.
	ErrPoolLimitExceeded = errors.New("amount exceeds pool deposit limit")

	// ErrSimulationFailed means the deposit dry-run errored before broadcast.
	ErrSimulationFailed = errors.New("deposit simulation failed")

	// ErrTransactionExpired means the prepared transaction's blockhash is past
	// its validity window. The client must prepare again.
	ErrTransactionExpired = errors.New("transaction expired")

	// ErrMissingSignature means a submitted transaction lacks a required
	// signature or carries an invalid one.
	ErrMissingSignature = errors.New("transaction is missing a required signature")

	// ErrIndexingTimeout means the deposit confirmed on chain but the relay's
	// indexer never surfaced the encrypted output within the poll budget.
	ErrIndexingTimeout = errors.New("deposit was not indexed in time")
)
