package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ActivityType identifies which user-facing flow created an activity.
type ActivityType string

const (
	ActivityTypeSend      ActivityType = "send"
	ActivityTypeRequest   ActivityType = "request"
	ActivityTypeSendClaim ActivityType = "send_claim"
)

// ActivityStatus is the lifecycle state of an activity. Transitions are
// one-directional: open -> settled or open -> cancelled.
type ActivityStatus string

const (
	ActivityStatusOpen      ActivityStatus = "open"
	ActivityStatusSettled   ActivityStatus = "settled"
	ActivityStatusCancelled ActivityStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s ActivityStatus) Terminal() bool {
	return s == ActivityStatusSettled || s == ActivityStatusCancelled
}

// Activity is one persisted money-movement operation. The record store owns
// the canonical copy; callers re-fetch by ID rather than holding shared
// mutable state.
type Activity struct {
	ID              uuid.UUID       `db:"id"`
	Type            ActivityType    `db:"type"`
	SenderAddress   *string         `db:"sender_address"`
	ReceiverAddress *string         `db:"receiver_address"`
	Amount          decimal.Decimal `db:"amount"`
	Token           Token           `db:"token"`
	Status          ActivityStatus  `db:"status"`
	Message         *string         `db:"message"`
	TxHash          *string         `db:"tx_hash"`

	// Claim-link fields. BurnerAddress is generated once at creation and
	// never changes; both ciphertexts decrypt to the same burner secret.
	BurnerAddress        *string `db:"burner_address"`
	EncryptedForReceiver *string `db:"encrypted_for_receiver"`
	EncryptedForSender   *string `db:"encrypted_for_sender"`
	DepositTxHash        *string `db:"deposit_tx_hash"`
	ClaimTxHash          *string `db:"claim_tx_hash"`

	// CancelReason records why a cancelled activity was cancelled.
	CancelReason *string `db:"cancel_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TokenAddress returns the token's mint address, nil for the native token.
func (a *Activity) TokenAddress() *string {
	return a.Token.Info().Mint
}
