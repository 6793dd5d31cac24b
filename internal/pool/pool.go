package pool

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/session"
)

// Pool abstracts the privacy pool's prover service. Deposits are built as
// instructions to splice into a sponsored transaction; withdraws are executed
// by the prover itself, which submits the proof transaction and pays its fee
// out of the shielded note.
type Pool interface {
	// DepositInstruction asks the prover to build a shield instruction that
	// moves params.AmountBase from params.Payer into the pool, with the
	// resulting output encrypted to the evidence-derived key.
	DepositInstruction(ctx context.Context, params DepositParams) (*DepositInstruction, error)

	// Withdraw asks the prover to prove and submit an unshield of
	// params.AmountBase to params.Recipient. Returns the withdraw signature.
	Withdraw(ctx context.Context, params WithdrawParams) (string, error)
}

// DepositParams describes a single shield operation.
type DepositParams struct {
	Payer      solana.PublicKey
	AmountBase uint64
	Token      model.Token
	Evidence   session.Evidence
}

// DepositInstruction is a prover-built shield instruction plus the handle
// under which the relay will index the resulting encrypted output.
type DepositInstruction struct {
	Instruction  solana.Instruction
	OutputHandle string
}

// WithdrawParams describes a single unshield operation.
type WithdrawParams struct {
	AmountBase uint64
	Token      model.Token
	Recipient  solana.PublicKey
	Evidence   session.Evidence
}
