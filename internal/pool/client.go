package pool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Client is an HTTP client for the pool's prover service. Proof generation
// happens prover-side; this client only shuttles parameters and reassembles
// the returned instruction.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "pool"),
	}
}

var _ Pool = (*Client)(nil)

type depositRequest struct {
	Payer         string  `json:"payer"`
	Amount        uint64  `json:"amount"`
	TokenMint     *string `json:"tokenMint,omitempty"`
	EncryptionKey string  `json:"encryptionKey"`
}

type instructionAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type depositResponse struct {
	ProgramID    string               `json:"programId"`
	Accounts     []instructionAccount `json:"accounts"`
	Data         string               `json:"data"`
	OutputHandle string               `json:"outputHandle"`
}

func (c *Client) DepositInstruction(ctx context.Context, params DepositParams) (*DepositInstruction, error) {
	key, err := params.Evidence.EncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	req := depositRequest{
		Payer:         params.Payer.String(),
		Amount:        params.AmountBase,
		TokenMint:     params.Token.Info().Mint,
		EncryptionKey: base64.StdEncoding.EncodeToString(key[:]),
	}

	var resp depositResponse
	if err := c.post(ctx, "/prove/deposit", req, &resp); err != nil {
		return nil, fmt.Errorf("prove deposit: %w", err)
	}
	if resp.OutputHandle == "" {
		return nil, fmt.Errorf("prove deposit: response missing output handle")
	}

	instr, err := buildInstruction(resp)
	if err != nil {
		return nil, fmt.Errorf("prove deposit: %w", err)
	}
	return &DepositInstruction{Instruction: instr, OutputHandle: resp.OutputHandle}, nil
}

type withdrawRequest struct {
	Amount        uint64  `json:"amount"`
	TokenMint     *string `json:"tokenMint,omitempty"`
	Recipient     string  `json:"recipient"`
	EncryptionKey string  `json:"encryptionKey"`
}

type withdrawResponse struct {
	Signature string `json:"signature"`
}

func (c *Client) Withdraw(ctx context.Context, params WithdrawParams) (string, error) {
	key, err := params.Evidence.EncryptionKey()
	if err != nil {
		return "", fmt.Errorf("derive encryption key: %w", err)
	}

	req := withdrawRequest{
		Amount:        params.AmountBase,
		TokenMint:     params.Token.Info().Mint,
		Recipient:     params.Recipient.String(),
		EncryptionKey: base64.StdEncoding.EncodeToString(key[:]),
	}

	var resp withdrawResponse
	if err := c.post(ctx, "/withdraw", req, &resp); err != nil {
		return "", fmt.Errorf("withdraw: %w", err)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("withdraw: response missing signature")
	}
	return resp.Signature, nil
}

func buildInstruction(resp depositResponse) (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(resp.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("bad program id %q: %w", resp.ProgramID, err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("bad instruction data: %w", err)
	}

	metas := make(solana.AccountMetaSlice, 0, len(resp.Accounts))
	for _, acc := range resp.Accounts {
		pubkey, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("bad account %q: %w", acc.Pubkey, err)
		}
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  pubkey,
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
		})
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func (c *Client) post(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, resp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
