package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/veilpay/internal/alert"
	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/pool"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
	redisstore "github.com/veilpay/veilpay/internal/store/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testUser is a wallet plus the session signature it would present.
type testUser struct {
	wallet     *solana.Wallet
	sessionSig []byte
}

func newTestUser(t *testing.T) testUser {
	t.Helper()
	wallet := solana.NewWallet()
	sig, err := wallet.PrivateKey.Sign([]byte(session.Message))
	require.NoError(t, err)
	return testUser{wallet: wallet, sessionSig: sig[:]}
}

func (u testUser) address() string {
	return u.wallet.PublicKey().String()
}

var testBlockhash = solana.MustHashFromBase58("9sHcv6xwn9YkB8nxTUGKDwPwNnmqVp5oAXxU8Fdkm4J6")

// fakeChain satisfies both the flow-side and sponsor-side chain interfaces.
type fakeChain struct {
	mu            sync.Mutex
	balances      map[solana.PublicKey]uint64
	tokenBalances map[solana.PublicKey]uint64
	existing      map[solana.PublicKey]bool
	height        uint64
	simOutcome    *chain.SimulationOutcome
	sendErr       error
	confirmErr    error
	sent          []*solana.Transaction
	confirmed     []string
	sendSeq       int

	// drainOn makes the account behave like real chain state: the first
	// broadcast empties it, later broadcasts execute and fail on chain.
	drainOn    solana.PublicKey
	failedSigs map[string]bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:      map[solana.PublicKey]uint64{},
		tokenBalances: map[solana.PublicKey]uint64{},
		existing:      map[solana.PublicKey]bool{},
		height:        1000,
		failedSigs:    map[string]bool{},
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
	return testBlockhash, f.height + 300, nil
}

func (f *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeChain) Simulate(context.Context, *solana.Transaction, []solana.PublicKey) (*chain.SimulationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simOutcome != nil {
		return f.simOutcome, nil
	}
	return &chain.SimulationOutcome{}, nil
}

func (f *fakeChain) Send(_ context.Context, tx *solana.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.sendSeq++
	sig := tx.Signatures[0].String()
	if !f.drainOn.IsZero() {
		if f.balances[f.drainOn] > 0 || f.tokenBalances[f.drainOn] > 0 {
			f.balances[f.drainOn] = 0
			f.tokenBalances[f.drainOn] = 0
		} else {
			f.failedSigs[sig] = true
		}
	}
	return sig, nil
}

func (f *fakeChain) Confirm(_ context.Context, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	if f.failedSigs[signature] {
		return fmt.Errorf("confirm %s: %w: account drained", signature, chain.ErrTxFailed)
	}
	f.confirmed = append(f.confirmed, signature)
	return nil
}

func (f *fakeChain) AccountExists(_ context.Context, addr solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[addr], nil
}

// fakePool hands back a plain transfer instruction so transactions assemble
// and sign normally.
type fakePool struct {
	handle      string
	depositErr  error
	withdrawErr error
	withdraws   []pool.WithdrawParams
}

func (f *fakePool) DepositInstruction(_ context.Context, params pool.DepositParams) (*pool.DepositInstruction, error) {
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	handle := f.handle
	if handle == "" {
		handle = "handle-" + params.Payer.String()[:8]
	}
	return &pool.DepositInstruction{
		Instruction:  system.NewTransferInstruction(params.AmountBase, params.Payer, params.Payer).Build(),
		OutputHandle: handle,
	}, nil
}

func (f *fakePool) Withdraw(_ context.Context, params pool.WithdrawParams) (string, error) {
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	f.withdraws = append(f.withdraws, params)
	return "withdraw-sig", nil
}

// fakePipeline records submissions instead of touching chain or relay.
type fakePipeline struct {
	err     error
	submits []sponsor.SubmitParams
	result  *sponsor.SubmitResult
}

func (f *fakePipeline) Submit(_ context.Context, params sponsor.SubmitParams) (*sponsor.SubmitResult, error) {
	f.submits = append(f.submits, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sponsor.SubmitResult{
		DepositSignature:  "deposit-sig",
		WithdrawSignature: "withdraw-sig",
	}, nil
}

// fakeRepo is an in-memory ActivityRepository with the same terminal-state
// freeze semantics as the postgres implementation.
type fakeRepo struct {
	mu         sync.Mutex
	activities map[uuid.UUID]*model.Activity
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{activities: map[uuid.UUID]*model.Activity{}}
}

func (f *fakeRepo) Create(_ context.Context, a *model.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.ActivityStatusOpen
	}
	stored := *a
	f.activities[a.ID] = &stored
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) Settle(_ context.Context, id uuid.UUID, patch store.SettlePatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.Status.Terminal() {
		return false, nil
	}
	a.Status = model.ActivityStatusSettled
	if patch.TxHash != nil {
		a.TxHash = patch.TxHash
	}
	if patch.SenderAddress != nil {
		a.SenderAddress = patch.SenderAddress
	}
	if patch.ReceiverAddress != nil {
		a.ReceiverAddress = patch.ReceiverAddress
	}
	if patch.ClaimTxHash != nil {
		a.ClaimTxHash = patch.ClaimTxHash
	}
	return true, nil
}

func (f *fakeRepo) Cancel(_ context.Context, id uuid.UUID, patch store.CancelPatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.Status.Terminal() {
		return false, nil
	}
	a.Status = model.ActivityStatusCancelled
	a.CancelReason = &patch.Reason
	if patch.ClaimTxHash != nil {
		a.ClaimTxHash = patch.ClaimTxHash
	}
	return true, nil
}

func (f *fakeRepo) RecordDeposit(_ context.Context, id uuid.UUID, depositTxHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.Status.Terminal() {
		return false, nil
	}
	a.DepositTxHash = &depositTxHash
	return true, nil
}

// fakeEvents records published activity events.
type fakeEvents struct {
	mu     sync.Mutex
	events []redisstore.ActivityEvent
}

func (f *fakeEvents) Publish(_ context.Context, event redisstore.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) Close() error { return nil }

func (f *fakeEvents) statuses() []model.ActivityStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ActivityStatus, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Status)
	}
	return out
}

// fixture wires a Service over fakes with a funded sponsor.
type fixture struct {
	service  *Service
	chain    *fakeChain
	pipeline *fakePipeline
	repo     *fakeRepo
	events   *fakeEvents
	sponsor  solana.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	return newStrategyFixture(t, config.StrategyDirectFeePayer)
}

func newStrategyFixture(t *testing.T, strategy config.SponsorshipStrategy) *fixture {
	t.Helper()

	sponsorKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := sponsor.NewSignerFromKey(sponsorKey)

	fc := newFakeChain()
	fc.balances[sponsorKey.PublicKey()] = 10_000_000_000

	funder := sponsor.NewFunder(fc, signer, 100_000_000, &alert.NoopAlerter{}, testLogger())
	sweeper := sponsor.NewSweeper(fc, signer, testLogger())
	builder := sponsor.NewBuilder(
		fc, &fakePool{}, funder, sweeper, sponsorKey.PublicKey(),
		decimal.RequireFromString("1000"), 1.2, strategy, testLogger(),
	)

	fp := &fakePipeline{}
	repo := newFakeRepo()
	events := &fakeEvents{}

	svc := NewService(fc, builder, fp, signer, repo, events, 1.2, testLogger())
	return &fixture{service: svc, chain: fc, pipeline: fp, repo: repo, events: events, sponsor: sponsorKey}
}

// fund credits a user with native and token balances so builder checks pass.
func (fx *fixture) fund(user testUser, lamports, tokenUnits uint64) {
	fx.chain.mu.Lock()
	defer fx.chain.mu.Unlock()
	fx.chain.balances[user.wallet.PublicKey()] = lamports
	fx.chain.tokenBalances[user.wallet.PublicKey()] = tokenUnits
}

var errBoom = errors.New("boom")
