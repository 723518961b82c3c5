// Package store defines the document-store collaborator: persistence for
// ledger entries, withdrawal requests, referral vaults, linking requests, and
// the sync checkpoint. The pipeline depends on this interface only; postgres
// is the production implementation and memory backs tests and local runs.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"escrowledger/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// LedgerUpdate carries the mutable fields of a ledger entry. Nil pointers
// leave the stored value untouched.
type LedgerUpdate struct {
	Status          model.LedgerStatus
	AccountID       *string
	PointsCredited  *int64
	PointsRemaining *int64
	FundingRate     *float64
	GrossUSD        *float64
	NetUSD          *float64
	ConfirmationTx  *string
	FailureReason   *string
}

// WithdrawalUpdate carries the mutable fields of a withdrawal request.
type WithdrawalUpdate struct {
	Status         model.WithdrawalStatus
	WithdrawalTx   *string
	Fee            *big.Int
	SeizureCount   *int
	SeizureAmount  *big.Int
	ExistingEscrow *big.Int
	FailureReason  *string
}

// VaultStats is an additive update to a vault's running statistics.
type VaultStats struct {
	Deposits     int64
	GrossUSD     float64
	RewardPoints int64
}

// Store is the document-store collaborator.
type Store interface {
	// Ledger entries. Creation is keyed by normalized deposit tx hash;
	// creating an existing hash returns ErrDuplicate. Rows are never deleted.
	CreateLedgerEntry(ctx context.Context, entry model.LedgerEntry) error
	LedgerEntryExists(ctx context.Context, txHash string) (bool, error)
	FindLedgerEntry(ctx context.Context, txHash string) (*model.LedgerEntry, error)
	// FindProcessableEntries returns all PENDING and ERROR rows.
	FindProcessableEntries(ctx context.Context) ([]model.LedgerEntry, error)
	// FindGroupEntries returns PENDING/ERROR rows for one (depositor, token).
	FindGroupEntries(ctx context.Context, depositor, token string) ([]model.LedgerEntry, error)
	// FindStuckEntries returns PENDING/ERROR non-donation rows last updated
	// before the cutoff.
	FindStuckEntries(ctx context.Context, cutoff time.Time) ([]model.LedgerEntry, error)
	// FindConsumedEntries returns CONFIRMED rows for a token where points
	// have been partially or fully spent.
	FindConsumedEntries(ctx context.Context, token string) ([]model.LedgerEntry, error)
	FindActiveDepositsForAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
	UpdateLedgerEntry(ctx context.Context, txHash string, upd LedgerUpdate) error
	// DeductPoints lowers points_remaining; it fails rather than go negative.
	DeductPoints(ctx context.Context, txHash string, points int64) error

	// Withdrawal requests.
	CreateWithdrawalRequest(ctx context.Context, req model.WithdrawalRequest) error
	FindWithdrawalRequestByTxHash(ctx context.Context, txHash string) (*model.WithdrawalRequest, error)
	UpdateWithdrawalRequest(ctx context.Context, txHash string, upd WithdrawalUpdate) error

	// Referral vaults.
	CreateReferralVault(ctx context.Context, vault model.ReferralVault) error
	FindReferralVaultByTxHash(ctx context.Context, deployTxHash string) (*model.ReferralVault, error)
	FindReferralVaultByAddress(ctx context.Context, address string) (*model.ReferralVault, error)
	UpdateReferralVaultStatus(ctx context.Context, address string, status model.VaultStatus, reason string) error
	AddReferralVaultStats(ctx context.Context, address string, stats VaultStats) error
	// FindStaleVaults returns PENDING_DEPLOYMENT vaults created before the cutoff.
	FindStaleVaults(ctx context.Context, cutoff time.Time) ([]model.ReferralVault, error)

	// Wallet-linking requests.
	FindPendingLinkRequest(ctx context.Context, token string, amount *big.Int) (*model.LinkRequest, error)
	CompleteLinkRequest(ctx context.Context, id, wallet string) error

	// Sync checkpoint for the missed-event scan.
	GetLastSyncedBlock(ctx context.Context) (uint64, bool, error)
	SetLastSyncedBlock(ctx context.Context, block uint64) error
}
