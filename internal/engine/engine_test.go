package engine

import (
	"math/big"
	"testing"

	"escrowledger/internal/model"
)

func TestPointsForUSDFloors(t *testing.T) {
	p := Policy{USDPerPoint: 0.000337}

	cases := []struct {
		usd  float64
		want int64
	}{
		{6.50, 19287},
		{0.000337, 1},
		{0.000336, 0},
		{0, 0},
		{-1, 0},
	}
	for _, tc := range cases {
		if got := p.PointsForUSD(tc.usd); got != tc.want {
			t.Fatalf("PointsForUSD(%v) = %d, want %d", tc.usd, got, tc.want)
		}
	}
}

func TestDistributePointsPreservesTotal(t *testing.T) {
	entries := []model.LedgerEntry{
		{Amount: big.NewInt(600)},
		{Amount: big.NewInt(400)},
		{Amount: big.NewInt(1)},
	}
	shares := distributePoints(entries, 19287)

	var sum int64
	for _, s := range shares {
		sum += s
	}
	if sum != 19287 {
		t.Fatalf("sum = %d, want 19287", sum)
	}
	if shares[0] < shares[1] || shares[1] < shares[2] {
		t.Fatalf("shares not proportional: %v", shares)
	}
}

func TestDistributePointsZeroAmounts(t *testing.T) {
	entries := []model.LedgerEntry{
		{Amount: big.NewInt(0)},
		{Amount: big.NewInt(0)},
	}
	shares := distributePoints(entries, 10)
	if shares[0] != 10 || shares[1] != 0 {
		t.Fatalf("shares = %v, want all on first row", shares)
	}
}

func TestIsNativeTokenCaseInsensitive(t *testing.T) {
	p := Policy{NativeToken: "0xABCDEF0000000000000000000000000000000001"}
	if !p.IsNativeToken("0xabcdef0000000000000000000000000000000001") {
		t.Fatalf("case difference must not matter")
	}
	if (Policy{}).IsNativeToken("0xabc") {
		t.Fatalf("empty native token matches nothing")
	}
}
