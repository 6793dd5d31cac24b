package sponsor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/veilpay/internal/alert"
	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/pool"
	"github.com/veilpay/veilpay/internal/relay"
	"github.com/veilpay/veilpay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return NewSignerFromKey(key)
}

func testBlockhash(t *testing.T) solana.Hash {
	t.Helper()
	hash, err := solana.HashFromBase58("9sHcv6xwn9YkB8nxTUGKDwPwNnmqVp5oAXxU8Fdkm4J6")
	require.NoError(t, err)
	return hash
}

// signedTransfer builds a transfer from payer with sponsor as fee payer,
// signed by the given keys.
func signedTransfer(t *testing.T, sponsor *Signer, payer solana.PrivateKey, blockhash solana.Hash, signers ...solana.PrivateKey) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(100, payer.PublicKey(), sponsor.PublicKey()).Build(),
		},
		blockhash,
		solana.TransactionPayer(sponsor.PublicKey()),
	)
	require.NoError(t, err)
	require.NoError(t, sponsor.Sign(tx, signers...))
	return tx
}

type fakeChain struct {
	mu            sync.Mutex
	balances      map[solana.PublicKey]uint64
	tokenBalances map[solana.PublicKey]uint64
	blockhash     solana.Hash
	expiry        uint64
	height        uint64
	heightErr     error
	simOutcome    *chain.SimulationOutcome
	simErr        error
	sendSig       string
	sendErr       error
	confirmErr    error

	sent      []*solana.Transaction
	confirmed []string
	simulated int
}

func newFakeChain(blockhash solana.Hash) *fakeChain {
	return &fakeChain{
		balances:      make(map[solana.PublicKey]uint64),
		tokenBalances: make(map[solana.PublicKey]uint64),
		blockhash:     blockhash,
		expiry:        1000,
		height:        100,
		simOutcome:    &chain.SimulationOutcome{PostBalances: map[solana.PublicKey]uint64{}},
		sendSig:       "sent-sig",
	}
}

func (f *fakeChain) Balance(_ context.Context, addr solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr], nil
}

func (f *fakeChain) TokenBalance(_ context.Context, owner, _ solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalances[owner], nil
}

func (f *fakeChain) LatestBlockhash(context.Context) (solana.Hash, uint64, error) {
	return f.blockhash, f.expiry, nil
}

func (f *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	return f.height, f.heightErr
}

func (f *fakeChain) Simulate(context.Context, *solana.Transaction, []solana.PublicKey) (*chain.SimulationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated++
	return f.simOutcome, f.simErr
}

func (f *fakeChain) Send(_ context.Context, tx *solana.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, tx)
	return f.sendSig, nil
}

func (f *fakeChain) Confirm(_ context.Context, sig string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, sig)
	return nil
}

type fakeRelay struct {
	depositSig  string
	depositErr  error
	deposits    []relay.SubmitDepositRequest
	existsAfter int // polls before CheckUTXO reports true
	checkErr    error
	checks      int
}

func (f *fakeRelay) SubmitDeposit(_ context.Context, req relay.SubmitDepositRequest) (string, error) {
	if f.depositErr != nil {
		return "", f.depositErr
	}
	f.deposits = append(f.deposits, req)
	return f.depositSig, nil
}

func (f *fakeRelay) CheckUTXO(context.Context, string) (bool, error) {
	f.checks++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.checks >= f.existsAfter, nil
}

type fakePool struct {
	instruction *pool.DepositInstruction
	depositErr  error
	withdrawSig string
	withdrawErr error
	withdraws   []pool.WithdrawParams
}

func (f *fakePool) DepositInstruction(context.Context, pool.DepositParams) (*pool.DepositInstruction, error) {
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	return f.instruction, nil
}

func (f *fakePool) Withdraw(_ context.Context, params pool.WithdrawParams) (string, error) {
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	f.withdraws = append(f.withdraws, params)
	return f.withdrawSig, nil
}

type fakeRepo struct {
	activities map[uuid.UUID]*model.Activity
	settled    map[uuid.UUID]store.SettlePatch
	cancelled  map[uuid.UUID]store.CancelPatch
	deposits   map[uuid.UUID]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		activities: make(map[uuid.UUID]*model.Activity),
		settled:    make(map[uuid.UUID]store.SettlePatch),
		cancelled:  make(map[uuid.UUID]store.CancelPatch),
		deposits:   make(map[uuid.UUID]string),
	}
}

func (f *fakeRepo) Create(_ context.Context, a *model.Activity) error {
	f.activities[a.ID] = a
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Activity, error) {
	a, ok := f.activities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeRepo) Settle(_ context.Context, id uuid.UUID, patch store.SettlePatch) (bool, error) {
	if f.terminal(id) {
		return false, nil
	}
	f.settled[id] = patch
	return true, nil
}

func (f *fakeRepo) Cancel(_ context.Context, id uuid.UUID, patch store.CancelPatch) (bool, error) {
	if f.terminal(id) {
		return false, nil
	}
	f.cancelled[id] = patch
	return true, nil
}

func (f *fakeRepo) RecordDeposit(_ context.Context, id uuid.UUID, depositTxHash string) (bool, error) {
	if f.terminal(id) {
		return false, nil
	}
	f.deposits[id] = depositTxHash
	return true, nil
}

func (f *fakeRepo) terminal(id uuid.UUID) bool {
	_, settled := f.settled[id]
	_, cancelled := f.cancelled[id]
	return settled || cancelled
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeAlerter) Send(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}
