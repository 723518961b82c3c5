package model

import (
	"math/big"
	"testing"
)

func TestGroupEntriesPartitionsByDepositorAndToken(t *testing.T) {
	entries := []LedgerEntry{
		{TxHash: "0x1", Depositor: "0xAA", TokenAddress: "0xT1", Amount: big.NewInt(1)},
		{TxHash: "0x2", Depositor: "0xBB", TokenAddress: "0xT1", Amount: big.NewInt(2)},
		{TxHash: "0x3", Depositor: "0xaa", TokenAddress: "0xt1", Amount: big.NewInt(3)},
		{TxHash: "0x4", Depositor: "0xAA", TokenAddress: "0xT2", Amount: big.NewInt(4)},
	}

	groups := GroupEntries(entries)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}

	// First appearance sets group order; case differences collapse.
	first := groups[0]
	if first.Depositor != "0xaa" || first.Token != "0xt1" {
		t.Fatalf("first group = %s/%s", first.Depositor, first.Token)
	}
	if len(first.Entries) != 2 {
		t.Fatalf("first group entries = %d, want 2", len(first.Entries))
	}
	if first.Entries[0].TxHash != "0x1" || first.Entries[1].TxHash != "0x3" {
		t.Fatalf("entry order = %s, %s", first.Entries[0].TxHash, first.Entries[1].TxHash)
	}
	if groups[1].Depositor != "0xbb" {
		t.Fatalf("second group = %s", groups[1].Depositor)
	}
	if groups[2].Token != "0xt2" {
		t.Fatalf("third group token = %s", groups[2].Token)
	}
}

func TestGroupEntriesEmpty(t *testing.T) {
	if groups := GroupEntries(nil); len(groups) != 0 {
		t.Fatalf("groups = %d, want 0", len(groups))
	}
}

func TestGroupKeyNormalizes(t *testing.T) {
	if GroupKey("0xAB", " 0xCD ") != "0xab:0xcd" {
		t.Fatalf("key = %s", GroupKey("0xAB", " 0xCD "))
	}
}

func TestLedgerStatusTerminal(t *testing.T) {
	terminal := []LedgerStatus{
		LedgerConfirmed,
		LedgerRejectedUnprofitable,
		LedgerRejectedUnknownUser,
		LedgerFailedRisk,
		LedgerInvariantViolation,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []LedgerStatus{LedgerPending, LedgerError} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestNormalizeHash(t *testing.T) {
	if got := NormalizeHash("  0xABCdef "); got != "0xabcdef" {
		t.Fatalf("hash = %q", got)
	}
}
