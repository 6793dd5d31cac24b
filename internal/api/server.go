package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/crypt"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/flow"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Flows is the service surface the API exposes. Satisfied by *flow.Service.
type Flows interface {
	PrepareSend(ctx context.Context, req flow.PrepareSendRequest) (*flow.PreparedTransaction, error)
	SubmitSend(ctx context.Context, req flow.SubmitSendRequest) (*model.Activity, error)

	CreateRequest(ctx context.Context, req flow.CreateRequestRequest) (*model.Activity, error)
	PrepareFulfill(ctx context.Context, req flow.PrepareFulfillRequest) (*flow.PreparedTransaction, error)
	SubmitFulfill(ctx context.Context, req flow.SubmitFulfillRequest) (*model.Activity, error)
	CancelRequest(ctx context.Context, req flow.CancelRequestRequest) (*model.Activity, error)

	PrepareClaimLink(ctx context.Context, req flow.PrepareClaimLinkRequest) (*flow.PreparedClaimLink, error)
	SubmitClaimLink(ctx context.Context, req flow.SubmitClaimLinkRequest) (*model.Activity, error)
	Claim(ctx context.Context, req flow.ClaimRequest) (*model.Activity, error)
	Reclaim(ctx context.Context, req flow.ReclaimRequest) (*model.Activity, error)

	GetActivity(ctx context.Context, id uuid.UUID) (*model.Activity, error)
}

// Server exposes the transfer flows over HTTP.
type Server struct {
	flows  Flows
	logger *slog.Logger
}

func NewServer(flows Flows, logger *slog.Logger) *Server {
	return &Server{
		flows:  flows,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler for the public API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/send/prepare", s.handlePrepareSend)
	mux.HandleFunc("POST /v1/send/submit", s.handleSubmitSend)

	mux.HandleFunc("POST /v1/request/create", s.handleCreateRequest)
	mux.HandleFunc("POST /v1/request/fulfill/prepare", s.handlePrepareFulfill)
	mux.HandleFunc("POST /v1/request/fulfill/submit", s.handleSubmitFulfill)
	mux.HandleFunc("POST /v1/request/cancel", s.handleCancelRequest)

	mux.HandleFunc("POST /v1/claim/prepare", s.handlePrepareClaimLink)
	mux.HandleFunc("POST /v1/claim/submit", s.handleSubmitClaimLink)
	mux.HandleFunc("POST /v1/claim/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/claim/reclaim", s.handleReclaim)

	mux.HandleFunc("GET /v1/activity/{id}", s.handleGetActivity)

	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Internal failures are
// logged in full but never leaked to clients.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, flow.ErrValidation),
		errors.Is(err, sponsor.ErrPoolLimitExceeded),
		errors.Is(err, sponsor.ErrInsufficientBalance),
		errors.Is(err, sponsor.ErrMissingSignature):
		writeJSON(w, http.StatusBadRequest, errorBody(err))
	case errors.Is(err, crypt.ErrInvalidPassphrase):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid passphrase"})
	case errors.Is(err, session.ErrBadSignature):
		writeJSON(w, http.StatusUnauthorized, errorBody(err))
	case errors.Is(err, flow.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody(err))
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "activity not found"})
	case errors.Is(err, sponsor.ErrTransactionExpired):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": "Transaction expired. Please prepare again."})
	case errors.Is(err, flow.ErrStateConflict):
		writeJSON(w, http.StatusGone, errorBody(err))
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// --- request field parsing ---

func parseSignature(w http.ResponseWriter, encoded string) ([]byte, bool) {
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sig) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_signature must be base64"})
		return nil, false
	}
	return sig, true
}

func parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a decimal string"})
		return decimal.Decimal{}, false
	}
	return amount, true
}

func parseToken(w http.ResponseWriter, raw string) (model.Token, bool) {
	token, err := model.ParseToken(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	return token, true
}

func parseActivityID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "activity_id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// --- response shapes ---

// activityResponse is the public view of an activity. The encrypted burner
// blobs never leave the server through this surface.
type activityResponse struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	SenderAddress   *string `json:"sender_address,omitempty"`
	ReceiverAddress *string `json:"receiver_address,omitempty"`
	Amount          string  `json:"amount"`
	Token           string  `json:"token"`
	Message         *string `json:"message,omitempty"`
	TxHash          *string `json:"tx_hash,omitempty"`
	DepositTxHash   *string `json:"deposit_tx_hash,omitempty"`
	ClaimTxHash     *string `json:"claim_tx_hash,omitempty"`
	CancelReason    *string `json:"cancel_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toActivityResponse(a *model.Activity) activityResponse {
	return activityResponse{
		ID:              a.ID.String(),
		Type:            string(a.Type),
		Status:          string(a.Status),
		SenderAddress:   a.SenderAddress,
		ReceiverAddress: a.ReceiverAddress,
		Amount:          a.Amount.String(),
		Token:           string(a.Token),
		Message:         a.Message,
		TxHash:          a.TxHash,
		DepositTxHash:   a.DepositTxHash,
		ClaimTxHash:     a.ClaimTxHash,
		CancelReason:    a.CancelReason,
		CreatedAt:       a.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       a.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

type preparedResponse struct {
	ActivityID       string `json:"activity_id"`
	Transaction      string `json:"transaction"`
	SweepTransaction string `json:"sweep_transaction,omitempty"`
	ExpiryHeight     uint64 `json:"expiry_height"`
	OutputHandle     string `json:"output_handle"`
	FeeLamports      uint64 `json:"fee_lamports"`
}

func toPreparedResponse(p *flow.PreparedTransaction) preparedResponse {
	return preparedResponse{
		ActivityID:       p.ActivityID.String(),
		Transaction:      p.TransactionBase64,
		SweepTransaction: p.SweepTransactionBase64,
		ExpiryHeight:     p.ExpiryHeight,
		OutputHandle:     p.OutputHandle,
		FeeLamports:      p.FeeLamports,
	}
}

// --- send ---

type prepareSendRequest struct {
	Sender           string  `json:"sender"`
	Receiver         string  `json:"receiver"`
	Amount           string  `json:"amount"`
	Token            string  `json:"token"`
	Message          *string `json:"message"`
	SessionSignature string  `json:"session_signature"`
}

func (s *Server) handlePrepareSend(w http.ResponseWriter, r *http.Request) {
	var req prepareSendRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	token, ok := parseToken(w, req.Token)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	prep, err := s.flows.PrepareSend(r.Context(), flow.PrepareSendRequest{
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		Amount:           amount,
		Token:            token,
		Message:          req.Message,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreparedResponse(prep))
}

type submitRequest struct {
	ActivityID       string `json:"activity_id"`
	Transaction      string `json:"transaction"`
	SweepTransaction string `json:"sweep_transaction"`
	ExpiryHeight     uint64 `json:"expiry_height"`
	OutputHandle     string `json:"output_handle"`
	SessionSignature string `json:"session_signature"`
}

func (s *Server) handleSubmitSend(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.SubmitSend(r.Context(), flow.SubmitSendRequest{
		ActivityID:             id,
		TransactionBase64:      req.Transaction,
		SweepTransactionBase64: req.SweepTransaction,
		ExpiryHeight:           req.ExpiryHeight,
		OutputHandle:           req.OutputHandle,
		SessionSignature:       sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

// --- request ---

type createRequestRequest struct {
	Receiver         string  `json:"receiver"`
	Amount           string  `json:"amount"`
	Token            string  `json:"token"`
	Message          *string `json:"message"`
	RestrictTo       *string `json:"restrict_to"`
	SessionSignature string  `json:"session_signature"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	token, ok := parseToken(w, req.Token)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.CreateRequest(r.Context(), flow.CreateRequestRequest{
		Receiver:         req.Receiver,
		Amount:           amount,
		Token:            token,
		Message:          req.Message,
		RestrictTo:       req.RestrictTo,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityResponse(activity))
}

type prepareFulfillRequest struct {
	ActivityID       string `json:"activity_id"`
	Payer            string `json:"payer"`
	SessionSignature string `json:"session_signature"`
}

func (s *Server) handlePrepareFulfill(w http.ResponseWriter, r *http.Request) {
	var req prepareFulfillRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	prep, err := s.flows.PrepareFulfill(r.Context(), flow.PrepareFulfillRequest{
		ActivityID:       id,
		Payer:            req.Payer,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreparedResponse(prep))
}

type submitFulfillRequest struct {
	ActivityID       string `json:"activity_id"`
	Payer            string `json:"payer"`
	Transaction      string `json:"transaction"`
	SweepTransaction string `json:"sweep_transaction"`
	ExpiryHeight     uint64 `json:"expiry_height"`
	OutputHandle     string `json:"output_handle"`
	SessionSignature string `json:"session_signature"`
}

func (s *Server) handleSubmitFulfill(w http.ResponseWriter, r *http.Request) {
	var req submitFulfillRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.SubmitFulfill(r.Context(), flow.SubmitFulfillRequest{
		ActivityID:             id,
		Payer:                  req.Payer,
		TransactionBase64:      req.Transaction,
		SweepTransactionBase64: req.SweepTransaction,
		ExpiryHeight:           req.ExpiryHeight,
		OutputHandle:           req.OutputHandle,
		SessionSignature:       sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

type cancelRequestRequest struct {
	ActivityID       string `json:"activity_id"`
	Receiver         string `json:"receiver"`
	SessionSignature string `json:"session_signature"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var req cancelRequestRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.CancelRequest(r.Context(), flow.CancelRequestRequest{
		ActivityID:       id,
		Receiver:         req.Receiver,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

// --- claim link ---

type prepareClaimLinkRequest struct {
	Sender           string  `json:"sender"`
	Amount           string  `json:"amount"`
	Token            string  `json:"token"`
	Message          *string `json:"message"`
	SessionSignature string  `json:"session_signature"`
}

type preparedClaimLinkResponse struct {
	preparedResponse
	Passphrase    string `json:"passphrase"`
	BurnerAddress string `json:"burner_address"`
}

func (s *Server) handlePrepareClaimLink(w http.ResponseWriter, r *http.Request) {
	var req prepareClaimLinkRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	token, ok := parseToken(w, req.Token)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	prep, err := s.flows.PrepareClaimLink(r.Context(), flow.PrepareClaimLinkRequest{
		Sender:           req.Sender,
		Amount:           amount,
		Token:            token,
		Message:          req.Message,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preparedClaimLinkResponse{
		preparedResponse: toPreparedResponse(&prep.PreparedTransaction),
		Passphrase:       prep.Passphrase,
		BurnerAddress:    prep.BurnerAddress,
	})
}

func (s *Server) handleSubmitClaimLink(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.SubmitClaimLink(r.Context(), flow.SubmitClaimLinkRequest{
		ActivityID:             id,
		TransactionBase64:      req.Transaction,
		SweepTransactionBase64: req.SweepTransaction,
		ExpiryHeight:           req.ExpiryHeight,
		OutputHandle:           req.OutputHandle,
		SessionSignature:       sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

type claimRequest struct {
	ActivityID string `json:"activity_id"`
	Receiver   string `json:"receiver"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	if req.Passphrase == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "passphrase is required"})
		return
	}

	activity, err := s.flows.Claim(r.Context(), flow.ClaimRequest{
		ActivityID: id,
		Receiver:   req.Receiver,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

type reclaimRequest struct {
	ActivityID       string `json:"activity_id"`
	Sender           string `json:"sender"`
	SessionSignature string `json:"session_signature"`
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var req reclaimRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id, ok := parseActivityID(w, req.ActivityID)
	if !ok {
		return
	}
	sig, ok := parseSignature(w, req.SessionSignature)
	if !ok {
		return
	}

	activity, err := s.flows.Reclaim(r.Context(), flow.ReclaimRequest{
		ActivityID:       id,
		Sender:           req.Sender,
		SessionSignature: sig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}

// --- activity ---

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseActivityID(w, r.PathValue("id"))
	if !ok {
		return
	}
	activity, err := s.flows.GetActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(activity))
}
