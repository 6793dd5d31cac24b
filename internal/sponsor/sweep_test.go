package sponsor

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/veilpay/internal/chain"
)

func TestSweeper_Validate(t *testing.T) {
	sponsor := testSigner(t)
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chainClient := newFakeChain(testBlockhash(t))
	sweeper := NewSweeper(chainClient, sponsor, testLogger())

	tx := signedTransfer(t, sponsor, payer, testBlockhash(t), payer)
	require.NoError(t, sweeper.Validate(context.Background(), tx))
	assert.Equal(t, 1, chainClient.simulated)
}

func TestSweeper_Validate_SimulationFailure(t *testing.T) {
	sponsor := testSigner(t)
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chainClient := newFakeChain(testBlockhash(t))
	chainClient.simOutcome = &chain.SimulationOutcome{
		Failed:  true,
		ErrText: "custom program error: 0x1771",
	}
	sweeper := NewSweeper(chainClient, sponsor, testLogger())

	tx := signedTransfer(t, sponsor, payer, testBlockhash(t), payer)
	err = sweeper.Validate(context.Background(), tx)
	require.ErrorIs(t, err, ErrSimulationFailed)
	assert.Contains(t, err.Error(), "0x1771", "prover error text must survive")
}

func TestSweeper_BuildResidueSweep(t *testing.T) {
	sponsor := testSigner(t)
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chainClient := newFakeChain(testBlockhash(t))
	chainClient.simOutcome = &chain.SimulationOutcome{
		PostBalances: map[solana.PublicKey]uint64{payer.PublicKey(): 123_456},
	}
	sweeper := NewSweeper(chainClient, sponsor, testLogger())

	deposit := signedTransfer(t, sponsor, payer, testBlockhash(t), payer)
	sweepTx, residue, err := sweeper.BuildResidueSweep(context.Background(), deposit, payer.PublicKey())
	require.NoError(t, err)
	require.NotNil(t, sweepTx)

	assert.Equal(t, uint64(123_456), residue, "sweep must drain the exact simulated residue")
	assert.Equal(t, sponsor.PublicKey(), sweepTx.Message.AccountKeys[0],
		"sponsor pays the sweep fee so the residue is untouched")
	require.ErrorIs(t, VerifyFullySigned(sweepTx), ErrMissingSignature,
		"sweep leaves unsigned for the payer to countersign")
}

func TestSweeper_BuildResidueSweep_NothingToSweep(t *testing.T) {
	sponsor := testSigner(t)
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chainClient := newFakeChain(testBlockhash(t))
	sweeper := NewSweeper(chainClient, sponsor, testLogger())

	deposit := signedTransfer(t, sponsor, payer, testBlockhash(t), payer)
	sweepTx, residue, err := sweeper.BuildResidueSweep(context.Background(), deposit, payer.PublicKey())
	require.NoError(t, err)
	assert.Nil(t, sweepTx)
	assert.Zero(t, residue)
}
