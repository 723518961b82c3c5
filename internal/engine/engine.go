// Package engine implements the confirmation and withdrawal pipelines: the
// decision of whether an observed deposit is worth confirming on-chain, the
// confirming transaction itself, the off-chain credit that follows, and the
// inverse payout path.
package engine

import (
	"context"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowledger/internal/contract"
	"escrowledger/internal/custody"
	"escrowledger/internal/model"
)

// ChainBackend is the subset of the chain client the engines use. The
// concrete implementation is chain.Client; tests substitute a fake.
type ChainBackend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Policy carries the economic knobs shared by the engines.
type Policy struct {
	Contract     common.Address
	DefaultVault string
	NativeToken  string
	AdminAddress string

	// USDPerPoint converts net USD value into points. Conversion always
	// floors: the platform never over-credits.
	USDPerPoint float64
	// NativeMinUSD is the minimum gross value at which a native-token
	// deposit bypasses the profitability gate.
	NativeMinUSD float64
	// NativeFloorRate is the fraction of gross credited when a bypassed
	// native deposit nets out negative after actual gas.
	NativeFloorRate float64
	// ReferralRewardRate is the referrer's share of gross deposit value.
	ReferralRewardRate float64
}

// IsNativeToken reports whether the token is the platform's native token.
func (p Policy) IsNativeToken(token string) bool {
	return p.NativeToken != "" && strings.EqualFold(token, p.NativeToken)
}

// PointsForUSD floors a USD value into points. Negative values credit zero.
func (p Policy) PointsForUSD(usd float64) int64 {
	if usd <= 0 || p.USDPerPoint <= 0 {
		return 0
	}
	return int64(math.Floor(usd / p.USDPerPoint))
}

// readCustody fetches and decodes the custody word for (holder, token).
func readCustody(ctx context.Context, backend ChainBackend, calldata *contract.Calldata, contractAddr common.Address, holder, token string) (custody.Balances, error) {
	data, err := calldata.Balances(holder, token)
	if err != nil {
		return custody.Balances{}, err
	}
	out, err := backend.Call(ctx, contractAddr, data)
	if err != nil {
		return custody.Balances{}, err
	}
	word, err := calldata.UnpackBalances(out)
	if err != nil {
		return custody.Balances{}, err
	}
	return custody.Decode(word)
}

// estimateGasWei prices a prospective call in wei: limit times suggested price.
func estimateGasWei(ctx context.Context, backend ChainBackend, to common.Address, data []byte) (*big.Int, error) {
	limit, err := backend.EstimateGas(ctx, to, data)
	if err != nil {
		return nil, err
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(limit), price), nil
}

// distributePoints splits a group's point credit across its rows in
// proportion to each row's deposit amount, flooring every share and giving
// the rounding remainder to the first row. The sum always equals total.
func distributePoints(entries []model.LedgerEntry, total int64) []int64 {
	shares := make([]int64, len(entries))
	if total <= 0 || len(entries) == 0 {
		return shares
	}
	sum := new(big.Int)
	for _, e := range entries {
		if e.Amount != nil && e.Amount.Sign() > 0 {
			sum.Add(sum, e.Amount)
		}
	}
	if sum.Sign() == 0 {
		shares[0] = total
		return shares
	}

	var assigned int64
	totalBig := big.NewInt(total)
	for i, e := range entries {
		if e.Amount == nil || e.Amount.Sign() <= 0 {
			continue
		}
		share := new(big.Int).Mul(totalBig, e.Amount)
		share.Quo(share, sum)
		shares[i] = share.Int64()
		assigned += shares[i]
	}
	shares[0] += total - assigned
	return shares
}
