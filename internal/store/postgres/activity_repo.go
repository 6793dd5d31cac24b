package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/store"
)

// ActivityRepo persists activities. Status transitions are guarded in SQL:
// every mutation carries WHERE status = 'open', so a terminal row can never
// change regardless of how many concurrent claims or reclaims race for it.
type ActivityRepo struct {
	db *DB
}

func NewActivityRepo(db *DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

var _ store.ActivityRepository = (*ActivityRepo)(nil)

const activityColumns = `
	id, type, status, sender_address, receiver_address, amount, token,
	message, tx_hash, burner_address, encrypted_for_receiver,
	encrypted_for_sender, deposit_tx_hash, claim_tx_hash, cancel_reason,
	created_at, updated_at`

func (r *ActivityRepo) Create(ctx context.Context, a *model.Activity) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.ActivityStatusOpen
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO activities (
			id, type, status, sender_address, receiver_address, amount, token,
			message, burner_address, encrypted_for_receiver, encrypted_for_sender
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		a.ID, a.Type, a.Status, a.SenderAddress, a.ReceiverAddress,
		a.Amount, a.Token, a.Message, a.BurnerAddress,
		a.EncryptedForReceiver, a.EncryptedForSender,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (r *ActivityRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Activity, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)

	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get activity %s: %w", id, err)
	}
	return a, nil
}

func (r *ActivityRepo) Settle(ctx context.Context, id uuid.UUID, patch store.SettlePatch) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE activities SET
			status = 'settled',
			tx_hash = COALESCE($2, tx_hash),
			sender_address = COALESCE($3, sender_address),
			receiver_address = COALESCE($4, receiver_address),
			claim_tx_hash = COALESCE($5, claim_tx_hash),
			updated_at = now()
		WHERE id = $1 AND status = 'open'`,
		id, patch.TxHash, patch.SenderAddress, patch.ReceiverAddress, patch.ClaimTxHash)
	if err != nil {
		return false, fmt.Errorf("settle activity %s: %w", id, err)
	}
	return rowUpdated(result, id)
}

func (r *ActivityRepo) Cancel(ctx context.Context, id uuid.UUID, patch store.CancelPatch) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE activities SET
			status = 'cancelled',
			cancel_reason = $2,
			claim_tx_hash = COALESCE($3, claim_tx_hash),
			updated_at = now()
		WHERE id = $1 AND status = 'open'`,
		id, nullIfEmpty(patch.Reason), patch.ClaimTxHash)
	if err != nil {
		return false, fmt.Errorf("cancel activity %s: %w", id, err)
	}
	return rowUpdated(result, id)
}

func (r *ActivityRepo) RecordDeposit(ctx context.Context, id uuid.UUID, depositTxHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE activities SET
			deposit_tx_hash = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'open'`,
		id, depositTxHash)
	if err != nil {
		return false, fmt.Errorf("record deposit on activity %s: %w", id, err)
	}
	return rowUpdated(result, id)
}

func rowUpdated(result sql.Result, id uuid.UUID) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for activity %s: %w", id, err)
	}
	return affected == 1, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*model.Activity, error) {
	var a model.Activity
	err := row.Scan(
		&a.ID, &a.Type, &a.Status, &a.SenderAddress, &a.ReceiverAddress,
		&a.Amount, &a.Token, &a.Message, &a.TxHash, &a.BurnerAddress,
		&a.EncryptedForReceiver, &a.EncryptedForSender, &a.DepositTxHash,
		&a.ClaimTxHash, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
