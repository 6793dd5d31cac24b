package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/cache"
	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/metrics"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
	redisstore "github.com/veilpay/veilpay/internal/store/redis"
)

// ChainClient is the slice of chain access the flows use directly (claims
// and reclaims spend burner accounts outside the pipeline). Satisfied by
// *chain.Client.
type ChainClient interface {
	Balance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	Send(ctx context.Context, tx *solana.Transaction) (string, error)
	Confirm(ctx context.Context, signature string) error
	AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error)
}

var _ ChainClient = (*chain.Client)(nil)

// Pipeline is the submit side of the sponsor layer.
type Pipeline interface {
	Submit(ctx context.Context, params sponsor.SubmitParams) (*sponsor.SubmitResult, error)
}

// Service composes the sponsor components into the three user-facing flows:
// send, request, and claim link. Each operation is an independent request;
// the only shared state is the record store and the chain itself.
type Service struct {
	chain    ChainClient
	builder  *sponsor.Builder
	pipeline Pipeline
	signer   *sponsor.Signer
	repo     store.ActivityRepository
	events   redisstore.EventPublisher
	logger   *slog.Logger

	feeBuffer float64

	// terminal activities never change again, so they are safe to cache.
	// Open activities always read through to the store.
	terminal *cache.LRU[uuid.UUID, *model.Activity]
}

const (
	terminalCacheSize = 4096
	terminalCacheTTL  = 10 * time.Minute
)

func NewService(
	chainClient ChainClient,
	builder *sponsor.Builder,
	pipeline Pipeline,
	signer *sponsor.Signer,
	repo store.ActivityRepository,
	events redisstore.EventPublisher,
	feeBuffer float64,
	logger *slog.Logger,
) *Service {
	return &Service{
		chain:     chainClient,
		builder:   builder,
		pipeline:  pipeline,
		signer:    signer,
		repo:      repo,
		events:    events,
		logger:    logger.With("component", "flow"),
		feeBuffer: feeBuffer,
		terminal:  cache.NewLRU[uuid.UUID, *model.Activity](terminalCacheSize, terminalCacheTTL),
	}
}

// PreparedTransaction is the common prepare result: an unsigned deposit the
// caller countersigns and echoes back at submit time, plus the buffered fee
// estimate the sponsor expects to pay. Under the prefund strategy a second
// unsigned artifact, the residue sweep, rides along for countersigning.
type PreparedTransaction struct {
	ActivityID             uuid.UUID
	TransactionBase64      string
	SweepTransactionBase64 string
	ExpiryHeight           uint64
	OutputHandle           string
	FeeLamports            uint64
}

func (s *Service) prepared(activityID uuid.UUID, deposit *sponsor.UnsignedDeposit, profile sponsor.Profile) (*PreparedTransaction, error) {
	encoded, err := deposit.Tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	var sweep string
	if deposit.SweepTx != nil {
		sweep, err = deposit.SweepTx.ToBase64()
		if err != nil {
			return nil, fmt.Errorf("serialize sweep transaction: %w", err)
		}
	}
	fee, err := sponsor.FeeLamports(profile, s.feeBuffer)
	if err != nil {
		return nil, err
	}
	return &PreparedTransaction{
		ActivityID:             activityID,
		TransactionBase64:      encoded,
		SweepTransactionBase64: sweep,
		ExpiryHeight:           deposit.ExpiryHeight,
		OutputHandle:           deposit.OutputHandle,
		FeeLamports:            fee,
	}, nil
}

// signedSweep decodes an echoed sweep transaction and fills the sponsor's
// signature slot. Flows without a sweep pass an empty string through.
func (s *Service) signedSweep(encoded string) (*solana.Transaction, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}
	tx, err := decodeTransaction(encoded)
	if err != nil {
		return nil, err
	}
	if err := s.signer.SignAsFeePayer(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// submitFailed reacts to a pipeline error. Rejections before any side effect
// (closed blockhash window, missing signature) leave the activity open so
// the client can prepare a fresh transaction and try again; everything else
// was compensated by the pipeline's cancel and is published as such.
func (s *Service) submitFailed(ctx context.Context, activity *model.Activity, err error) {
	if errors.Is(err, sponsor.ErrTransactionExpired) || errors.Is(err, sponsor.ErrMissingSignature) {
		return
	}
	s.publish(ctx, activity, model.ActivityStatusCancelled, "")
}

// GetActivity returns the persisted activity.
func (s *Service) GetActivity(ctx context.Context, id uuid.UUID) (*model.Activity, error) {
	if a, ok := s.terminal.Get(id); ok {
		return a, nil
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		s.terminal.Put(id, a)
	}
	return a, nil
}

// --- validation helpers ---

func parseAddress(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: bad address %q", ErrValidation, address)
	}
	return pk, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}

// verifySession checks the caller's 64-byte session signature against the
// claimed address. Every authenticated operation starts here; the server
// never sees a user's private key.
func verifySession(address string, signature []byte) (session.Evidence, error) {
	if err := session.Verify(address, signature); err != nil {
		return session.Evidence{}, err
	}
	return session.FromSignature(signature), nil
}

// openActivity loads an activity and checks it is still open and of the
// expected type. The status check is an optimistic fast path; money-moving
// callers still treat the on-chain transfer as the final authority.
func (s *Service) openActivity(ctx context.Context, id uuid.UUID, wantType model.ActivityType) (*model.Activity, error) {
	activity, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if activity.Type != wantType {
		return nil, fmt.Errorf("%w: activity %s is a %s", ErrValidation, id, activity.Type)
	}
	if activity.Status.Terminal() {
		return nil, fmt.Errorf("%w: activity %s is %s", ErrStateConflict, id, activity.Status)
	}
	return activity, nil
}

func (s *Service) publish(ctx context.Context, activity *model.Activity, status model.ActivityStatus, txHash string) {
	if err := s.events.Publish(ctx, redisstore.ActivityEvent{
		ActivityID: activity.ID.String(),
		Type:       activity.Type,
		Status:     status,
		TxHash:     txHash,
	}); err != nil {
		s.logger.Warn("failed to publish activity event", "activity_id", activity.ID, "error", err)
	}
}

func decodeTransaction(encoded string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: bad transaction encoding: %v", ErrValidation, err)
	}
	return tx, nil
}

func countPrepare(activityType model.ActivityType) {
	metrics.PreparesTotal.WithLabelValues(string(activityType)).Inc()
}
