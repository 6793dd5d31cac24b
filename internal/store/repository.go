package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/veilpay/veilpay/internal/domain/model"
)

// ErrNotFound is returned when an activity does not exist.
var ErrNotFound = errors.New("activity not found")

// SettlePatch carries the fields written when an activity settles.
type SettlePatch struct {
	TxHash          *string
	SenderAddress   *string
	ReceiverAddress *string
	ClaimTxHash     *string
}

// CancelPatch carries the fields recorded when an activity is cancelled.
// ClaimTxHash is set when a reclaim moved the burner funds back on chain.
type CancelPatch struct {
	Reason      string
	ClaimTxHash *string
}

// ActivityRepository provides access to activity records.
//
// Settle, Cancel, and RecordDeposit only touch rows still in the open state
// and report whether a row was updated. A false return means the activity had
// already reached a terminal state; terminal activities never change again.
type ActivityRepository interface {
	Create(ctx context.Context, a *model.Activity) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Activity, error)
	Settle(ctx context.Context, id uuid.UUID, patch SettlePatch) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, patch CancelPatch) (bool, error)
	// RecordDeposit stores the deposit signature on a claim-link activity
	// without settling it; the activity stays open until claimed or reclaimed.
	RecordDeposit(ctx context.Context, id uuid.UUID, depositTxHash string) (bool, error)
}
