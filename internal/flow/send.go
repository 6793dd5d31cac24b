package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
)

// PrepareSendRequest starts a direct private send.
type PrepareSendRequest struct {
	Sender           string
	Receiver         string
	Amount           decimal.Decimal
	Token            model.Token
	Message          *string
	SessionSignature []byte
}

// PrepareSend validates the send, builds the unsigned sponsored deposit, and
// creates the open activity. Nothing moves on chain until submit.
func (s *Service) PrepareSend(ctx context.Context, req PrepareSendRequest) (*PreparedTransaction, error) {
	payer, err := parseAddress(req.Sender)
	if err != nil {
		return nil, err
	}
	if _, err := parseAddress(req.Receiver); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	evidence, err := verifySession(req.Sender, req.SessionSignature)
	if err != nil {
		return nil, err
	}

	deposit, err := s.builder.BuildDeposit(ctx, sponsor.BuildParams{
		Payer:    payer,
		Amount:   req.Amount,
		Token:    req.Token,
		Profile:  sponsor.ProfileDepositAndWithdraw,
		Evidence: evidence,
	})
	if err != nil {
		return nil, err
	}

	activity := &model.Activity{
		Type:            model.ActivityTypeSend,
		SenderAddress:   &req.Sender,
		ReceiverAddress: &req.Receiver,
		Amount:          req.Amount,
		Token:           req.Token,
		Message:         req.Message,
	}
	if err := s.repo.Create(ctx, activity); err != nil {
		return nil, fmt.Errorf("create send activity: %w", err)
	}

	countPrepare(model.ActivityTypeSend)
	s.publish(ctx, activity, model.ActivityStatusOpen, "")
	return s.prepared(activity.ID, deposit, sponsor.ProfileDepositAndWithdraw)
}

// SubmitSendRequest carries the countersigned deposit back, plus the
// countersigned sweep when the prepare produced one.
type SubmitSendRequest struct {
	ActivityID             uuid.UUID
	TransactionBase64      string
	SweepTransactionBase64 string
	ExpiryHeight           uint64
	OutputHandle           string
	SessionSignature       []byte
}

// SubmitSend runs the full deposit -> withdraw pipeline: funds route through
// the pool and the withdraw targets the receiver directly.
func (s *Service) SubmitSend(ctx context.Context, req SubmitSendRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeSend)
	if err != nil {
		return nil, err
	}

	sender := *activity.SenderAddress
	evidence, err := verifySession(sender, req.SessionSignature)
	if err != nil {
		return nil, err
	}

	tx, err := decodeTransaction(req.TransactionBase64)
	if err != nil {
		return nil, err
	}
	// The user signed their slot; the sponsor fills its own before the
	// two-signature check in the pipeline.
	if err := s.signer.SignAsFeePayer(tx); err != nil {
		return nil, err
	}

	sweep, err := s.signedSweep(req.SweepTransactionBase64)
	if err != nil {
		return nil, err
	}

	recipient, err := parseAddress(*activity.ReceiverAddress)
	if err != nil {
		return nil, err
	}
	amountBase, err := activity.Token.ToBaseUnits(activity.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}

	result, err := s.pipeline.Submit(ctx, sponsor.SubmitParams{
		ActivityID:   activity.ID,
		ActivityType: model.ActivityTypeSend,
		SignedTx:     tx,
		ExpiryHeight: req.ExpiryHeight,
		OutputHandle: req.OutputHandle,
		Token:        activity.Token,
		Sender:       sender,
		Profile:      sponsor.ProfileDepositAndWithdraw,
		SignedSweep:  sweep,
		Withdraw: &sponsor.WithdrawLeg{
			Recipient:  recipient,
			AmountBase: amountBase,
			Evidence:   evidence,
		},
		Finalize: true,
		Settle:   store.SettlePatch{},
	})
	if err != nil {
		s.submitFailed(ctx, activity, err)
		return nil, err
	}

	s.publish(ctx, activity, model.ActivityStatusSettled, result.WithdrawSignature)
	return s.repo.GetByID(ctx, activity.ID)
}
