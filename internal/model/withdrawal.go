package model

import (
	"math/big"
	"time"
)

// WithdrawalStatus is the state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending              WithdrawalStatus = "PENDING_PROCESSING"
	WithdrawalCompleted            WithdrawalStatus = "COMPLETED"
	WithdrawalFailed               WithdrawalStatus = "FAILED"
	WithdrawalRejectedUnprofitable WithdrawalStatus = "REJECTED_UNPROFITABLE"
	WithdrawalError                WithdrawalStatus = "ERROR"
)

// WithdrawalRequest is one on-chain rescission request. Admin requests carry
// seizure itemization after execution.
type WithdrawalRequest struct {
	TxHash       string
	User         string
	TokenAddress string
	VaultAddress string
	Amount       *big.Int
	Status       WithdrawalStatus
	WithdrawalTx string
	Fee          *big.Int
	Admin        bool

	// Seizure itemization, populated for completed admin withdrawals.
	SeizureCount   int
	SeizureAmount  *big.Int
	ExistingEscrow *big.Int

	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
