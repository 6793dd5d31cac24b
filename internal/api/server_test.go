package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilpay/veilpay/internal/crypt"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/flow"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store"
)

// --- Mock flows ---

type mockFlows struct {
	prepareSendFunc      func(ctx context.Context, req flow.PrepareSendRequest) (*flow.PreparedTransaction, error)
	submitSendFunc       func(ctx context.Context, req flow.SubmitSendRequest) (*model.Activity, error)
	createRequestFunc    func(ctx context.Context, req flow.CreateRequestRequest) (*model.Activity, error)
	prepareFulfillFunc   func(ctx context.Context, req flow.PrepareFulfillRequest) (*flow.PreparedTransaction, error)
	submitFulfillFunc    func(ctx context.Context, req flow.SubmitFulfillRequest) (*model.Activity, error)
	cancelRequestFunc    func(ctx context.Context, req flow.CancelRequestRequest) (*model.Activity, error)
	prepareClaimLinkFunc func(ctx context.Context, req flow.PrepareClaimLinkRequest) (*flow.PreparedClaimLink, error)
	submitClaimLinkFunc  func(ctx context.Context, req flow.SubmitClaimLinkRequest) (*model.Activity, error)
	claimFunc            func(ctx context.Context, req flow.ClaimRequest) (*model.Activity, error)
	reclaimFunc          func(ctx context.Context, req flow.ReclaimRequest) (*model.Activity, error)
	getActivityFunc      func(ctx context.Context, id uuid.UUID) (*model.Activity, error)
}

func (m *mockFlows) PrepareSend(ctx context.Context, req flow.PrepareSendRequest) (*flow.PreparedTransaction, error) {
	return m.prepareSendFunc(ctx, req)
}
func (m *mockFlows) SubmitSend(ctx context.Context, req flow.SubmitSendRequest) (*model.Activity, error) {
	return m.submitSendFunc(ctx, req)
}
func (m *mockFlows) CreateRequest(ctx context.Context, req flow.CreateRequestRequest) (*model.Activity, error) {
	return m.createRequestFunc(ctx, req)
}
func (m *mockFlows) PrepareFulfill(ctx context.Context, req flow.PrepareFulfillRequest) (*flow.PreparedTransaction, error) {
	return m.prepareFulfillFunc(ctx, req)
}
func (m *mockFlows) SubmitFulfill(ctx context.Context, req flow.SubmitFulfillRequest) (*model.Activity, error) {
	return m.submitFulfillFunc(ctx, req)
}
func (m *mockFlows) CancelRequest(ctx context.Context, req flow.CancelRequestRequest) (*model.Activity, error) {
	return m.cancelRequestFunc(ctx, req)
}
func (m *mockFlows) PrepareClaimLink(ctx context.Context, req flow.PrepareClaimLinkRequest) (*flow.PreparedClaimLink, error) {
	return m.prepareClaimLinkFunc(ctx, req)
}
func (m *mockFlows) SubmitClaimLink(ctx context.Context, req flow.SubmitClaimLinkRequest) (*model.Activity, error) {
	return m.submitClaimLinkFunc(ctx, req)
}
func (m *mockFlows) Claim(ctx context.Context, req flow.ClaimRequest) (*model.Activity, error) {
	return m.claimFunc(ctx, req)
}
func (m *mockFlows) Reclaim(ctx context.Context, req flow.ReclaimRequest) (*model.Activity, error) {
	return m.reclaimFunc(ctx, req)
}
func (m *mockFlows) GetActivity(ctx context.Context, id uuid.UUID) (*model.Activity, error) {
	return m.getActivityFunc(ctx, id)
}

// --- Helpers ---

func newTestAPIServer(flows *mockFlows) *Server {
	return NewServer(flows, slog.Default())
}

func postJSON(handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func sampleActivity() *model.Activity {
	sender := "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	blob := "opaque-ciphertext"
	return &model.Activity{
		ID:                   uuid.New(),
		Type:                 model.ActivityTypeSendClaim,
		SenderAddress:        &sender,
		Amount:               decimal.NewFromInt(10),
		Token:                model.TokenUSDC,
		Status:               model.ActivityStatusOpen,
		EncryptedForReceiver: &blob,
		EncryptedForSender:   &blob,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
}

var testSessionSig = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 64))

// --- Tests ---

func TestHandlePrepareSend_Success(t *testing.T) {
	activityID := uuid.New()
	flows := &mockFlows{
		prepareSendFunc: func(_ context.Context, req flow.PrepareSendRequest) (*flow.PreparedTransaction, error) {
			if !req.Amount.Equal(decimal.RequireFromString("2.5")) {
				t.Errorf("expected amount 2.5, got %s", req.Amount)
			}
			if req.Token != model.TokenUSDC {
				t.Errorf("expected token usdc, got %s", req.Token)
			}
			return &flow.PreparedTransaction{
				ActivityID:        activityID,
				TransactionBase64: "dHg=",
				ExpiryHeight:      1300,
				OutputHandle:      "handle-1",
			}, nil
		},
	}
	srv := newTestAPIServer(flows)

	rec := postJSON(srv.Handler(), "/v1/send/prepare", map[string]string{
		"sender":            "sender-addr",
		"receiver":          "receiver-addr",
		"amount":            "2.5",
		"token":             "usdc",
		"session_signature": testSessionSig,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp preparedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ActivityID != activityID.String() {
		t.Errorf("expected activity_id %s, got %s", activityID, resp.ActivityID)
	}
	if resp.ExpiryHeight != 1300 {
		t.Errorf("expected expiry_height 1300, got %d", resp.ExpiryHeight)
	}
}

func TestHandlePrepareSend_BadInput(t *testing.T) {
	srv := newTestAPIServer(&mockFlows{})
	handler := srv.Handler()

	cases := []struct {
		name string
		body map[string]string
	}{
		{"bad amount", map[string]string{"amount": "not-a-number", "token": "usdc", "session_signature": testSessionSig}},
		{"bad token", map[string]string{"amount": "1", "token": "doge", "session_signature": testSessionSig}},
		{"bad signature encoding", map[string]string{"amount": "1", "token": "usdc", "session_signature": "%%%"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(handler, "/v1/send/prepare", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	activity := sampleActivity()
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", flow.ErrValidation, http.StatusBadRequest},
		{"insufficient balance", sponsor.ErrInsufficientBalance, http.StatusBadRequest},
		{"pool limit", sponsor.ErrPoolLimitExceeded, http.StatusBadRequest},
		{"missing signature", sponsor.ErrMissingSignature, http.StatusBadRequest},
		{"bad session signature", session.ErrBadSignature, http.StatusUnauthorized},
		{"forbidden", flow.ErrForbidden, http.StatusForbidden},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"expired", sponsor.ErrTransactionExpired, http.StatusRequestTimeout},
		{"state conflict", flow.ErrStateConflict, http.StatusGone},
		{"internal", fmt.Errorf("relay exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flows := &mockFlows{
				submitSendFunc: func(context.Context, flow.SubmitSendRequest) (*model.Activity, error) {
					return nil, fmt.Errorf("wrapped: %w", tc.err)
				},
			}
			srv := newTestAPIServer(flows)
			rec := postJSON(srv.Handler(), "/v1/send/submit", map[string]string{
				"activity_id":       activity.ID.String(),
				"transaction":       "dHg=",
				"session_signature": testSessionSig,
			})
			if rec.Code != tc.wantStatus {
				t.Errorf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected non-empty error field")
			}
			if tc.wantStatus == http.StatusInternalServerError && strings.Contains(body["error"], "relay") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestHandleClaim_WrongPassphrase(t *testing.T) {
	flows := &mockFlows{
		claimFunc: func(context.Context, flow.ClaimRequest) (*model.Activity, error) {
			return nil, fmt.Errorf("decrypt: %w", crypt.ErrInvalidPassphrase)
		},
	}
	srv := newTestAPIServer(flows)

	rec := postJSON(srv.Handler(), "/v1/claim/claim", map[string]string{
		"activity_id": uuid.New().String(),
		"receiver":    "receiver-addr",
		"passphrase":  "wrong-words-entirely-here",
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != "Invalid passphrase" {
		t.Errorf("expected 'Invalid passphrase', got %q", body["error"])
	}
}

func TestHandleClaim_RequiresPassphrase(t *testing.T) {
	srv := newTestAPIServer(&mockFlows{})
	rec := postJSON(srv.Handler(), "/v1/claim/claim", map[string]string{
		"activity_id": uuid.New().String(),
		"receiver":    "receiver-addr",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePrepareClaimLink_ReturnsPassphraseOnce(t *testing.T) {
	flows := &mockFlows{
		prepareClaimLinkFunc: func(context.Context, flow.PrepareClaimLinkRequest) (*flow.PreparedClaimLink, error) {
			return &flow.PreparedClaimLink{
				PreparedTransaction: flow.PreparedTransaction{
					ActivityID:        uuid.New(),
					TransactionBase64: "dHg=",
					ExpiryHeight:      1300,
					OutputHandle:      "handle-1",
				},
				Passphrase:    "apple-banana-cherry-date",
				BurnerAddress: "BurnerAddr11111111111111111111111111111111",
			}, nil
		},
	}
	srv := newTestAPIServer(flows)

	rec := postJSON(srv.Handler(), "/v1/claim/prepare", map[string]string{
		"sender":            "sender-addr",
		"amount":            "10",
		"token":             "usdc",
		"session_signature": testSessionSig,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp preparedClaimLinkResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Passphrase != "apple-banana-cherry-date" {
		t.Errorf("expected passphrase in prepare response, got %q", resp.Passphrase)
	}
	if resp.BurnerAddress == "" {
		t.Error("expected burner_address in prepare response")
	}
}

func TestHandleGetActivity_HidesEncryptedSecrets(t *testing.T) {
	activity := sampleActivity()
	flows := &mockFlows{
		getActivityFunc: func(_ context.Context, id uuid.UUID) (*model.Activity, error) {
			if id != activity.ID {
				return nil, store.ErrNotFound
			}
			return activity, nil
		},
	}
	srv := newTestAPIServer(flows)

	req := httptest.NewRequest(http.MethodGet, "/v1/activity/"+activity.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "opaque-ciphertext") {
		t.Error("encrypted burner secret leaked through activity response")
	}
	if strings.Contains(raw, "encrypted_for") {
		t.Error("encrypted fields should not appear in the response shape")
	}

	var resp activityResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != activity.ID.String() {
		t.Errorf("expected id %s, got %s", activity.ID, resp.ID)
	}
	if resp.Amount != "10" {
		t.Errorf("expected amount '10', got %q", resp.Amount)
	}
}

func TestHandleGetActivity_NotFound(t *testing.T) {
	flows := &mockFlows{
		getActivityFunc: func(context.Context, uuid.UUID) (*model.Activity, error) {
			return nil, store.ErrNotFound
		},
	}
	srv := newTestAPIServer(flows)

	req := httptest.NewRequest(http.MethodGet, "/v1/activity/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetActivity_BadID(t *testing.T) {
	srv := newTestAPIServer(&mockFlows{})

	req := httptest.NewRequest(http.MethodGet, "/v1/activity/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCancelRequest_Forbidden(t *testing.T) {
	flows := &mockFlows{
		cancelRequestFunc: func(context.Context, flow.CancelRequestRequest) (*model.Activity, error) {
			return nil, fmt.Errorf("%w: only the requester can cancel", flow.ErrForbidden)
		},
	}
	srv := newTestAPIServer(flows)

	rec := postJSON(srv.Handler(), "/v1/request/cancel", map[string]string{
		"activity_id":       uuid.New().String(),
		"receiver":          "stranger",
		"session_signature": testSessionSig,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleSubmitSend_InvalidJSON(t *testing.T) {
	srv := newTestAPIServer(&mockFlows{})

	req := httptest.NewRequest(http.MethodPost, "/v1/send/submit", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
