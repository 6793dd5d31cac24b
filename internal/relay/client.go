package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilpay/veilpay/internal/circuitbreaker"
	"github.com/veilpay/veilpay/internal/metrics"
)

// ErrRelayRejected is returned when the relay refuses a deposit. The relay's
// error text is preserved verbatim in the wrapping error.
var ErrRelayRejected = errors.New("relay rejected deposit")

// Client talks to the external relay/indexer service: it broadcasts signed
// deposits and answers existence checks for indexed pool outputs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger = logger.With("component", "relay")
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("relay circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// SubmitDepositRequest is the relay's deposit intake payload.
type SubmitDepositRequest struct {
	SignedTransaction string  `json:"signedTransaction"`
	SenderAddress     string  `json:"senderAddress"`
	TokenMint         *string `json:"tokenMint,omitempty"`
}

type submitDepositResponse struct {
	Signature string `json:"signature"`
}

// SubmitDeposit posts a signed, serialized deposit to the relay, which
// broadcasts it and later indexes the resulting encrypted pool outputs.
// A non-success response fails with ErrRelayRejected carrying the relay's
// error text.
func (c *Client) SubmitDeposit(ctx context.Context, req SubmitDepositRequest) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", fmt.Errorf("relay deposit: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal deposit request: %w", err)
	}

	status, respBody, err := c.post(ctx, "/deposit", body)
	metrics.RelayRequestsTotal.WithLabelValues("deposit", statusLabel(status, err)).Inc()
	if err != nil {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("relay deposit: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("%w: %s", ErrRelayRejected, strings.TrimSpace(string(respBody)))
	}
	c.breaker.RecordSuccess()

	var resp submitDepositResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal deposit response: %w", err)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("relay deposit: response missing signature")
	}
	return resp.Signature, nil
}

type checkUTXOResponse struct {
	Exists bool `json:"exists"`
}

// CheckUTXO reports whether the relay's indexer has observed and persisted
// the encrypted output behind handle. This is the existence-check target the
// pipeline polls before attempting a withdraw.
func (c *Client) CheckUTXO(ctx context.Context, handle string) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/utxos/check/"+handle, nil)
	if err != nil {
		return false, fmt.Errorf("create check request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RelayRequestsTotal.WithLabelValues("utxo_check", "network_error").Inc()
		return false, fmt.Errorf("relay utxo check: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read check response: %w", err)
	}
	metrics.RelayRequestsTotal.WithLabelValues("utxo_check", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("relay utxo check: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result checkUTXOResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return false, fmt.Errorf("unmarshal check response: %w", err)
	}
	return result.Exists, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func statusLabel(status int, err error) string {
	if err != nil {
		return "network_error"
	}
	return strconv.Itoa(status)
}
