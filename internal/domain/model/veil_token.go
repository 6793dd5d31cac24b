package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Token is the closed set of assets the service can move through the pool.
type Token string

const (
	TokenSOL  Token = "sol"
	TokenUSDC Token = "usdc"
	TokenUSDT Token = "usdt"
)

// TokenInfo carries the chain-level identity of a token. Mint is nil for the
// native token, which has no mint address.
type TokenInfo struct {
	Symbol   string
	Mint     *string
	Decimals int32
}

var (
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	usdtMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

var tokenInfos = map[Token]TokenInfo{
	TokenSOL:  {Symbol: "SOL", Mint: nil, Decimals: 9},
	TokenUSDC: {Symbol: "USDC", Mint: &usdcMint, Decimals: 6},
	TokenUSDT: {Symbol: "USDT", Mint: &usdtMint, Decimals: 6},
}

// ParseToken validates a token string from external input.
func ParseToken(s string) (Token, error) {
	t := Token(s)
	if _, ok := tokenInfos[t]; !ok {
		return "", fmt.Errorf("unknown token %q", s)
	}
	return t, nil
}

// Info returns the chain-level identity for the token. Unknown tokens are a
// programmer error; ParseToken guards all external input.
func (t Token) Info() TokenInfo {
	info, ok := tokenInfos[t]
	if !ok {
		panic(fmt.Sprintf("model: unknown token %q", string(t)))
	}
	return info
}

// IsNative reports whether t is the chain's native token.
func (t Token) IsNative() bool {
	return t == TokenSOL
}

// ToBaseUnits converts a human-unit amount to the token's base units.
func (t Token) ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %s", amount)
	}
	shifted := amount.Shift(t.Info().Decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, t.Info().Decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows base units", amount)
	}
	return bi.Uint64(), nil
}

// FromBaseUnits converts base units back to a human-unit amount.
func (t Token) FromBaseUnits(base uint64) decimal.Decimal {
	return decimal.NewFromUint64(base).Shift(-t.Info().Decimals)
}
