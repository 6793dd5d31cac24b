package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/crypt"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/metrics"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
)

// PrepareClaimLinkRequest starts a claim link: a send to a not-yet-known
// receiver.
type PrepareClaimLinkRequest struct {
	Sender           string
	Amount           decimal.Decimal
	Token            model.Token
	Message          *string
	SessionSignature []byte
}

// PreparedClaimLink extends the prepare result with the one-time passphrase.
// The passphrase is returned exactly once and never stored; only the
// ciphertexts it unlocks are persisted.
type PreparedClaimLink struct {
	PreparedTransaction
	Passphrase    string
	BurnerAddress string
}

// PrepareClaimLink generates the burner keypair and passphrase, encrypts the
// burner secret for both parties, and builds the unsigned deposit. The
// burner is the withdraw target: that extra hop severs the on-chain link
// between sender and eventual receiver.
func (s *Service) PrepareClaimLink(ctx context.Context, req PrepareClaimLinkRequest) (*PreparedClaimLink, error) {
	payer, err := parseAddress(req.Sender)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	evidence, err := verifySession(req.Sender, req.SessionSignature)
	if err != nil {
		return nil, err
	}

	burner, err := crypt.GenerateBurner()
	if err != nil {
		return nil, fmt.Errorf("generate burner: %w", err)
	}
	passphrase, err := crypt.GeneratePassphrase()
	if err != nil {
		return nil, fmt.Errorf("generate passphrase: %w", err)
	}

	forReceiver, err := crypt.EncryptWithPassphrase(burner, passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypt burner for receiver: %w", err)
	}
	senderKey, err := session.DeriveKey(req.SessionSignature)
	if err != nil {
		return nil, err
	}
	forSender, err := crypt.EncryptWithKey(burner, senderKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt burner for sender: %w", err)
	}

	deposit, err := s.builder.BuildDeposit(ctx, sponsor.BuildParams{
		Payer:    payer,
		Amount:   req.Amount,
		Token:    req.Token,
		Profile:  sponsor.ProfileClaimLink,
		Evidence: evidence,
	})
	if err != nil {
		return nil, err
	}

	burnerAddress := burner.PublicKey().String()
	activity := &model.Activity{
		Type:                 model.ActivityTypeSendClaim,
		SenderAddress:        &req.Sender,
		Amount:               req.Amount,
		Token:                req.Token,
		Message:              req.Message,
		BurnerAddress:        &burnerAddress,
		EncryptedForReceiver: &forReceiver,
		EncryptedForSender:   &forSender,
	}
	if err := s.repo.Create(ctx, activity); err != nil {
		return nil, fmt.Errorf("create claim-link activity: %w", err)
	}

	countPrepare(model.ActivityTypeSendClaim)
	s.publish(ctx, activity, model.ActivityStatusOpen, "")

	prepared, err := s.prepared(activity.ID, deposit, sponsor.ProfileClaimLink)
	if err != nil {
		return nil, err
	}
	return &PreparedClaimLink{
		PreparedTransaction: *prepared,
		Passphrase:          passphrase,
		BurnerAddress:       burnerAddress,
	}, nil
}

// SubmitClaimLinkRequest carries the countersigned claim-link deposit back.
type SubmitClaimLinkRequest struct {
	ActivityID             uuid.UUID
	TransactionBase64      string
	SweepTransactionBase64 string
	ExpiryHeight           uint64
	OutputHandle           string
	SessionSignature       []byte
}

// SubmitClaimLink deposits and immediately withdraws to the burner. The
// activity stays open: it settles when claimed, or cancels when reclaimed.
func (s *Service) SubmitClaimLink(ctx context.Context, req SubmitClaimLinkRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeSendClaim)
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
	if err := s.signer.SignAsFeePayer(tx); err != nil {
		return nil, err
	}

	sweep, err := s.signedSweep(req.SweepTransactionBase64)
	if err != nil {
		return nil, err
	}

	burner, err := parseAddress(*activity.BurnerAddress)
	if err != nil {
		return nil, err
	}
	amountBase, err := activity.Token.ToBaseUnits(activity.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}

	if _, err := s.pipeline.Submit(ctx, sponsor.SubmitParams{
		ActivityID:   activity.ID,
		ActivityType: model.ActivityTypeSendClaim,
		SignedTx:     tx,
		ExpiryHeight: req.ExpiryHeight,
		OutputHandle: req.OutputHandle,
		Token:        activity.Token,
		Sender:       sender,
		Profile:      sponsor.ProfileClaimLink,
		SignedSweep:  sweep,
		Withdraw: &sponsor.WithdrawLeg{
			Recipient:  burner,
			AmountBase: amountBase,
			Evidence:   evidence,
		},
		Finalize: false,
	}); err != nil {
		s.submitFailed(ctx, activity, err)
		return nil, err
	}

	return s.repo.GetByID(ctx, activity.ID)
}

// ClaimRequest redeems a claim link with its passphrase.
type ClaimRequest struct {
	ActivityID uuid.UUID
	Receiver   string
	Passphrase string
}

// Claim decrypts the burner secret with the passphrase and transfers the
// burner's full balance to the receiver, fee paid by the sponsor. The
// on-chain transfer is the authority for the claim/reclaim race: a transfer
// from an already-drained burner fails and surfaces as a state conflict,
// never as a double spend.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeSendClaim)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		return nil, err
	}

	secret, err := crypt.DecryptWithPassphrase(*activity.EncryptedForReceiver, strings.TrimSpace(req.Passphrase))
	if err != nil {
		return nil, err
	}
	burner := solana.PrivateKey(secret)

	sig, err := s.spendBurner(ctx, burner, activity.Token, receiver)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.Settle(ctx, activity.ID, store.SettlePatch{
		TxHash:          &sig,
		ReceiverAddress: &req.Receiver,
		ClaimTxHash:     &sig,
	})
	if err != nil {
		return nil, fmt.Errorf("settle claim: %w", err)
	}
	if !updated {
		// The chain moved the money to the receiver, so the claim stands;
		// the row was flipped by a racing reclaim that lost on chain.
		s.logger.Warn("claim settled on chain but activity row was not open",
			"activity_id", activity.ID, "claim_tx", sig)
	} else {
		metrics.ActivityTransitionsTotal.WithLabelValues(string(model.ActivityTypeSendClaim), string(model.ActivityStatusSettled)).Inc()
		s.publish(ctx, activity, model.ActivityStatusSettled, sig)
	}
	return s.repo.GetByID(ctx, activity.ID)
}

// ReclaimRequest recovers an unclaimed link back to the sender.
type ReclaimRequest struct {
	ActivityID       uuid.UUID
	Sender           string
	SessionSignature []byte
}

// Reclaim is the sender-side symmetric of Claim: the burner secret is
// decrypted with the sender's session-derived key and the funds return to
// the sender. The activity cancels.
func (s *Service) Reclaim(ctx context.Context, req ReclaimRequest) (*model.Activity, error) {
	activity, err := s.openActivity(ctx, req.ActivityID, model.ActivityTypeSendClaim)
	if err != nil {
		return nil, err
	}
	if activity.SenderAddress == nil || *activity.SenderAddress != req.Sender {
		return nil, fmt.Errorf("%w: only the sender can reclaim", ErrForbidden)
	}
	if _, err := verifySession(req.Sender, req.SessionSignature); err != nil {
		return nil, err
	}
	sender, err := parseAddress(req.Sender)
	if err != nil {
		return nil, err
	}

	senderKey, err := session.DeriveKey(req.SessionSignature)
	if err != nil {
		return nil, err
	}
	secret, err := crypt.DecryptWithKey(*activity.EncryptedForSender, senderKey)
	if err != nil {
		// The signature verified, so a MAC failure here means the stored
		// ciphertext does not belong to this session key.
		return nil, fmt.Errorf("%w: cannot decrypt burner secret", session.ErrBadSignature)
	}
	burner := solana.PrivateKey(secret)

	sig, err := s.spendBurner(ctx, burner, activity.Token, sender)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.Cancel(ctx, activity.ID, store.CancelPatch{
		Reason:      "reclaimed by sender",
		ClaimTxHash: &sig,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel on reclaim: %w", err)
	}
	if !updated {
		s.logger.Warn("reclaim moved funds on chain but activity row was not open",
			"activity_id", activity.ID, "reclaim_tx", sig)
	} else {
		metrics.ActivityTransitionsTotal.WithLabelValues(string(model.ActivityTypeSendClaim), string(model.ActivityStatusCancelled)).Inc()
		s.publish(ctx, activity, model.ActivityStatusCancelled, sig)
	}
	return s.repo.GetByID(ctx, activity.ID)
}

// spendBurner drains the burner into recipient: the full lamport balance for
// the native token, the full token balance (plus recipient account creation
// when needed) for SPL tokens. Sponsor pays the fee, burner signs
// server-side. A zero balance means the other party already spent it.
func (s *Service) spendBurner(ctx context.Context, burner solana.PrivateKey, tok model.Token, recipient solana.PublicKey) (string, error) {
	burnerPub := burner.PublicKey()

	var instrs []solana.Instruction
	if tok.IsNative() {
		balance, err := s.chain.Balance(ctx, burnerPub)
		if err != nil {
			return "", fmt.Errorf("read burner balance: %w", err)
		}
		if balance == 0 {
			return "", fmt.Errorf("%w: burner already spent", ErrStateConflict)
		}
		instrs = append(instrs,
			system.NewTransferInstruction(balance, burnerPub, recipient).Build())
	} else {
		mint, err := solana.PublicKeyFromBase58(*tok.Info().Mint)
		if err != nil {
			return "", fmt.Errorf("parse mint for %s: %w", tok, err)
		}
		balance, err := s.chain.TokenBalance(ctx, burnerPub, mint)
		if err != nil {
			return "", fmt.Errorf("read burner token balance: %w", err)
		}
		if balance == 0 {
			return "", fmt.Errorf("%w: burner already spent", ErrStateConflict)
		}

		burnerATA, _, err := solana.FindAssociatedTokenAddress(burnerPub, mint)
		if err != nil {
			return "", fmt.Errorf("derive burner token account: %w", err)
		}
		recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return "", fmt.Errorf("derive recipient token account: %w", err)
		}

		exists, err := s.chain.AccountExists(ctx, recipientATA)
		if err != nil {
			return "", fmt.Errorf("check recipient token account: %w", err)
		}
		if !exists {
			instrs = append(instrs,
				associatedtokenaccount.NewCreateInstruction(s.signer.PublicKey(), recipient, mint).Build())
		}
		instrs = append(instrs,
			token.NewTransferInstruction(balance, burnerATA, recipientATA, burnerPub, nil).Build())
	}

	blockhash, _, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(s.signer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build burner transfer: %w", err)
	}
	if err := s.signer.Sign(tx, burner); err != nil {
		return "", err
	}

	sig, err := s.chain.Send(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("send burner transfer: %w", err)
	}
	if err := s.chain.Confirm(ctx, sig); err != nil {
		// Losing the race surfaces here: the racing spend landed between our
		// balance check and execution. Expected outcome, not an alarm.
		if errors.Is(err, chain.ErrTxFailed) {
			return "", fmt.Errorf("%w: burner already spent", ErrStateConflict)
		}
		return "", fmt.Errorf("confirm burner transfer: %w", err)
	}
	return sig, nil
}
