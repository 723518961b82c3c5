package model

import (
	"math/big"
	"strings"
	"time"
)

// DepositType distinguishes the kinds of value credit a ledger row records.
type DepositType string

const (
	DepositTypeToken    DepositType = "TOKEN"
	DepositTypeDonation DepositType = "TOKEN_DONATION"
	DepositTypeReferral DepositType = "REFERRAL_VAULT"
)

// LedgerStatus is the state of a ledger entry. Transitions move forward only,
// except that ERROR rows may be retried back through the confirmation engine.
type LedgerStatus string

const (
	LedgerPending              LedgerStatus = "PENDING"
	LedgerConfirmed            LedgerStatus = "CONFIRMED"
	LedgerError                LedgerStatus = "ERROR"
	LedgerRejectedUnprofitable LedgerStatus = "REJECTED_UNPROFITABLE"
	LedgerRejectedUnknownUser  LedgerStatus = "REJECTED_UNKNOWN_USER"
	LedgerFailedRisk           LedgerStatus = "FAILED_RISK_ASSESSMENT"
	LedgerInvariantViolation   LedgerStatus = "INVARIANT_VIOLATION"
)

// Terminal reports whether no further automatic processing applies to the status.
func (s LedgerStatus) Terminal() bool {
	switch s {
	case LedgerConfirmed, LedgerRejectedUnprofitable, LedgerRejectedUnknownUser, LedgerFailedRisk, LedgerInvariantViolation:
		return true
	}
	return false
}

// LedgerEntry is one deposit or reward credit. The deposit tx hash is the
// unique key; rows are never deleted, only transitioned.
type LedgerEntry struct {
	TxHash          string
	LogIndex        uint64
	BlockNumber     uint64
	VaultAddress    string
	Depositor       string
	AccountID       string
	TokenAddress    string
	Amount          *big.Int
	DepositType     DepositType
	Status          LedgerStatus
	PointsCredited  int64
	PointsRemaining int64
	FundingRate     float64
	GrossUSD        float64
	NetUSD          float64
	ConfirmationTx  string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NormalizeHash lowercases a transaction hash so it can act as a stable key.
func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// NormalizeAddress lowercases an address for use in keys and comparisons.
func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// Group is the set of ledger rows sharing one (depositor, token) pair. It is
// the unit of confirmation: rows in a group succeed or fail together.
type Group struct {
	Depositor string
	Token     string
	Entries   []LedgerEntry
}

// GroupKey returns the canonical key for a (holder, token) pair.
func GroupKey(holder, token string) string {
	return NormalizeAddress(holder) + ":" + NormalizeAddress(token)
}

// GroupEntries partitions entries into groups keyed by (depositor, token).
// Group order follows first appearance so processing is deterministic.
func GroupEntries(entries []LedgerEntry) []Group {
	index := make(map[string]int)
	groups := make([]Group, 0)
	for _, e := range entries {
		key := GroupKey(e.Depositor, e.TokenAddress)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{
				Depositor: NormalizeAddress(e.Depositor),
				Token:     NormalizeAddress(e.TokenAddress),
			})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups
}
