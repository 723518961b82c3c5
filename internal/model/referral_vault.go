package model

import "time"

// VaultStatus is the lifecycle state of a chartered referral vault.
type VaultStatus string

const (
	VaultPendingDeployment VaultStatus = "PENDING_DEPLOYMENT"
	VaultActive            VaultStatus = "ACTIVE"
	VaultAddressMismatch   VaultStatus = "ADDRESS_MISMATCH"
	VaultFailed            VaultStatus = "FAILED"
)

// ReferralVault is one deterministically-addressed sub-account. The address is
// predicted locally at charter time and must match the on-chain emitted address
// exactly before the vault becomes ACTIVE.
type ReferralVault struct {
	Address         string
	Owner           string
	MasterAccountID string
	Salt            string
	DeployTxHash    string
	Status          VaultStatus

	// Running statistics, updated as deposits route through the vault.
	DepositCount int64
	GrossUSD     float64
	RewardPoints int64

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}
