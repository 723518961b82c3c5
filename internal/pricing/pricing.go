// Package pricing holds the token price and risk collaborators plus the
// funding-rate tables. Price and risk engines live outside this service; the
// pipeline depends on these interfaces only.
package pricing

import (
	"context"
	"math/big"
	"strings"
)

// Verdict is a risk assessment for a token. A negative verdict is terminal
// for the deposit group; it is not an error and is never retried.
type Verdict struct {
	Safe   bool
	Reason string
}

// RiskAssessor judges whether a token is safe to confirm.
type RiskAssessor interface {
	Assess(ctx context.Context, token string) (Verdict, error)
}

// PriceFeed values token amounts in USD. The feed owns decimal handling for
// every token it quotes. A feed outage surfaces as an error, which is
// retryable, unlike a risk verdict.
type PriceFeed interface {
	// ValueUSD is the USD value of a raw token amount.
	ValueUSD(ctx context.Context, token string, amount *big.Int) (float64, error)
	// AmountForUSD converts a USD value back into a raw token amount, used
	// to deduct fees denominated in the withdrawn token.
	AmountForUSD(ctx context.Context, token string, usd float64) (*big.Int, error)
	// NativeValueUSD is the USD value of an amount of the chain's native
	// asset in wei, used to price gas.
	NativeValueUSD(ctx context.Context, wei *big.Int) (float64, error)
}

// Rates is a funding-rate table: a default multiplier plus per-token
// overrides. Deposits and donations carry separate tables.
type Rates struct {
	Default  float64
	PerToken map[string]float64
}

// Rate returns the multiplier for a token.
func (r Rates) Rate(token string) float64 {
	if v, ok := r.PerToken[strings.ToLower(token)]; ok {
		return v
	}
	return r.Default
}
