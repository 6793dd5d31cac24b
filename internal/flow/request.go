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

// CreateRequestRequest opens a payment request. RestrictTo, when set, pins
// fulfillment to a single payer address.
type CreateRequestRequest struct {
	Receiver         string
	Amount           decimal.Decimal
	Token            model.Token
	Message          *string
	RestrictTo       *string
	SessionSignature []byte
}

// CreateRequest persists an open request naming the caller as receiver. The
// requester absorbs protocol fees: they receive amount minus fees while the
// payer pays the stated amount.
func (s *Service) CreateRequest(ctx context.Context, req CreateRequestRequest) (*model.Activity, error) {
	if _, err := parseAddress(req.Receiver); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.RestrictTo != nil {
		if _, err := parseAddress(*req.RestrictTo); err != nil {
			return nil, err
		}
	}
	if _, err := verifySession(req.Receiver, req.SessionSignature); err != nil {
		return nil, err
	}

	activity := &model.Activity{
		Type:            model.ActivityTypeRequest,
		ReceiverAddress: &req.Receiver,
		SenderAddress:   req.RestrictTo,
		Amount:          req.Amount,
		Token:           req.Token,
		Message:         req.Message,
	}
	if err := s.repo.Create(ctx, activity); err != nil {
		return nil, fmt.Errorf("create request activity: %w", err)
	}

	countPrepare(model.ActivityTypeRequest)
	s.publish(ctx, activity, model.ActivityStatusOpen, "")
	return activity, nil
}

// PrepareFulfillRequest starts fulfilling an open request.
type PrepareFulfillRequest struct {
	ActivityID       uuid.UUID
	Payer            string
	SessionSignature []byte
}

// PrepareFulfill builds the unsigned deposit for a payer fulfilling a
// request. A restricted request rejects every other payer before any side
// effect.
func (s *Service) PrepareFulfill(ctx context.Context, req PrepareFulfillRequest) (*PreparedTransaction, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeRequest)
	if err != nil {
		return nil, err
	}
	if err := s.authorizePayer(activity, req.Payer); err != nil {
		return nil, err
	}

	payer, err := parseAddress(req.Payer)
	if err != nil {
		return nil, err
	}
	evidence, err := verifySession(req.Payer, req.SessionSignature)
	if err != nil {
		return nil, err
	}

	deposit, err := s.builder.BuildDeposit(ctx, sponsor.BuildParams{
		Payer:    payer,
		Amount:   activity.Amount,
		Token:    activity.Token,
		Profile:  sponsor.ProfileDepositAndWithdraw,
		Evidence: evidence,
	})
	if err != nil {
		return nil, err
	}

	countPrepare(model.ActivityTypeRequest)
	return s.prepared(activity.ID, deposit, sponsor.ProfileDepositAndWithdraw)
}

// SubmitFulfillRequest carries the countersigned fulfillment deposit back.
type SubmitFulfillRequest struct {
	ActivityID             uuid.UUID
	Payer                  string
	TransactionBase64      string
	SweepTransactionBase64 string
	ExpiryHeight           uint64
	OutputHandle           string
	SessionSignature       []byte
}

// SubmitFulfill runs the pipeline with the requester as withdraw target and
// records the payer on settlement.
func (s *Service) SubmitFulfill(ctx context.Context, req SubmitFulfillRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeRequest)
	if err != nil {
		return nil, err
	}
	if err := s.authorizePayer(activity, req.Payer); err != nil {
		return nil, err
	}

	evidence, err := verifySession(req.Payer, req.SessionSignature)
	if err != nil {
		return nil, err
	}

	tx, err := decodeTransaction(req.TransactionBase64)
	if err != nil {
		return nil, err
	}
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
		ActivityType: model.ActivityTypeRequest,
		SignedTx:     tx,
		ExpiryHeight: req.ExpiryHeight,
		OutputHandle: req.OutputHandle,
		Token:        activity.Token,
		Sender:       req.Payer,
		Profile:      sponsor.ProfileDepositAndWithdraw,
		SignedSweep:  sweep,
		Withdraw: &sponsor.WithdrawLeg{
			Recipient:  recipient,
			AmountBase: amountBase,
			Evidence:   evidence,
		},
		Finalize: true,
		Settle:   store.SettlePatch{SenderAddress: &req.Payer},
	})
	if err != nil {
		s.submitFailed(ctx, activity, err)
		return nil, err
	}

	s.publish(ctx, activity, model.ActivityStatusSettled, result.WithdrawSignature)
	return s.repo.GetByID(ctx, activity.ID)
}

// CancelRequestRequest cancels an open request.
type CancelRequestRequest struct {
	ActivityID       uuid.UUID
	Receiver         string
	SessionSignature []byte
}

// CancelRequest lets the requester withdraw an unfulfilled request.
func (s *Service) CancelRequest(ctx context.Context, req CancelRequestRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeRequest)
	if err != nil {
		return nil, err
	}
	if activity.ReceiverAddress == nil || *activity.ReceiverAddress != req.Receiver {
		return nil, fmt.Errorf("%w: only the requester can cancel", ErrForbidden)
	}
	if _, err := verifySession(req.Receiver, req.SessionSignature); err != nil {
		return nil, err
	}

	updated, err := s.repo.Cancel(ctx, activity.ID, store.CancelPatch{Reason: "cancelled by requester"})
	if err != nil {
		return nil, fmt.Errorf("cancel request: %w", err)
	}
	if !updated {
		return nil, fmt.Errorf("%w: activity %s was already finalized", ErrStateConflict, activity.ID)
	}

	s.publish(ctx, activity, model.ActivityStatusCancelled, "")
	return s.repo.GetByID(ctx, activity.ID)
}

// authorizePayer enforces a request's payer restriction.
func (s *Service) authorizePayer(activity *model.Activity, payer string) error {
	if activity.SenderAddress != nil && *activity.SenderAddress != payer {
		return fmt.Errorf("%w: request is restricted to another payer", ErrForbidden)
	}
	return nil
}
