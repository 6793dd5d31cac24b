package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

const commitment = "confirmed"

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []interface{}{
		address,
		map[string]string{"commitment": commitment},
	}
	value, err := c.callValue(ctx, "getBalance", params)
	if err != nil {
		return 0, fmt.Errorf("getBalance(%s): %w", address, err)
	}

	var balance uint64
	if err := json.Unmarshal(value, &balance); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return balance, nil
}

// GetTokenAccountBalance returns the base-unit balance of an SPL token
// account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, tokenAccount string) (uint64, error) {
	params := []interface{}{
		tokenAccount,
		map[string]string{"commitment": commitment},
	}
	value, err := c.callValue(ctx, "getTokenAccountBalance", params)
	if err != nil {
		return 0, fmt.Errorf("getTokenAccountBalance(%s): %w", tokenAccount, err)
	}

	var amount TokenAmount
	if err := json.Unmarshal(value, &amount); err != nil {
		return 0, fmt.Errorf("unmarshal token amount: %w", err)
	}
	base, err := strconv.ParseUint(amount.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", amount.Amount, err)
	}
	return base, nil
}

// GetLatestBlockhash returns the current blockhash and the last block height
// at which a transaction built on it is still valid.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhashResult, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	value, err := c.callValue(ctx, "getLatestBlockhash", params)
	if err != nil {
		return nil, fmt.Errorf("getLatestBlockhash: %w", err)
	}

	var result LatestBlockhashResult
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, fmt.Errorf("unmarshal blockhash: %w", err)
	}
	return &result, nil
}

// GetBlockHeight returns the current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	result, err := c.call(ctx, "getBlockHeight", params)
	if err != nil {
		return 0, fmt.Errorf("getBlockHeight: %w", err)
	}

	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("unmarshal block height: %w", err)
	}
	return height, nil
}

// SimulateTransaction dry-runs a base64-serialized transaction without
// broadcasting it. watchAddresses selects accounts whose post-execution
// state (including lamports) is returned alongside the result.
func (c *Client) SimulateTransaction(ctx context.Context, txBase64 string, watchAddresses []string) (*SimulateResult, error) {
	cfg := map[string]interface{}{
		"encoding":               "base64",
		"commitment":             commitment,
		"replaceRecentBlockhash": false,
		"sigVerify":              false,
	}
	if len(watchAddresses) > 0 {
		cfg["accounts"] = map[string]interface{}{
			"encoding":  "base64",
			"addresses": watchAddresses,
		}
	}

	params := []interface{}{txBase64, cfg}
	value, err := c.callValue(ctx, "simulateTransaction", params)
	if err != nil {
		return nil, fmt.Errorf("simulateTransaction: %w", err)
	}

	var result SimulateResult
	if err := json.Unmarshal(value, &result); err != nil {
		return nil, fmt.Errorf("unmarshal simulation result: %w", err)
	}
	return &result, nil
}

// SendTransaction broadcasts a fully signed, base64-serialized transaction
// and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	params := []interface{}{
		txBase64,
		map[string]interface{}{
			"encoding":   "base64",
			"maxRetries": 3,
		},
	}
	result, err := c.call(ctx, "sendTransaction", params)
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("unmarshal signature: %w", err)
	}
	return signature, nil
}

// GetSignatureStatuses returns confirmation statuses for the given
// signatures. Entries are nil until the node has seen the signature.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	params := []interface{}{
		signatures,
		map[string]bool{"searchTransactionHistory": true},
	}
	value, err := c.callValue(ctx, "getSignatureStatuses", params)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}

	var statuses []*SignatureStatus
	if err := json.Unmarshal(value, &statuses); err != nil {
		return nil, fmt.Errorf("unmarshal signature statuses: %w", err)
	}
	return statuses, nil
}

// AccountExists reports whether an account is present on chain.
func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	params := []interface{}{
		address,
		map[string]string{"encoding": "base64", "commitment": commitment},
	}
	value, err := c.callValue(ctx, "getAccountInfo", params)
	if err != nil {
		return false, fmt.Errorf("getAccountInfo(%s): %w", address, err)
	}
	return string(value) != "null" && len(value) > 0, nil
}
