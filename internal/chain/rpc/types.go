package rpc

import "encoding/json"

// JSON-RPC request/response types

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// contextValue wraps the common {context, value} result envelope.
type contextValue struct {
	Value json.RawMessage `json:"value"`
}

// getLatestBlockhash response value
type LatestBlockhashResult struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// simulateTransaction response value
type SimulateResult struct {
	Err           interface{}    `json:"err"`
	Logs          []string       `json:"logs"`
	Accounts      []*AccountInfo `json:"accounts"`
	UnitsConsumed *uint64        `json:"unitsConsumed"`
}

type AccountInfo struct {
	Lamports uint64 `json:"lamports"`
	Owner    string `json:"owner"`
}

// getSignatureStatuses response value entry; null until the node sees the
// signature.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus *string     `json:"confirmationStatus"`
}

// getTokenAccountBalance response value
type TokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}
