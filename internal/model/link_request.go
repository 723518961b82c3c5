package model

import (
	"math/big"
	"time"
)

// LinkStatus is the state of a wallet-linking request.
type LinkStatus string

const (
	LinkPending   LinkStatus = "PENDING"
	LinkCompleted LinkStatus = "COMPLETED"
)

// LinkRequest is a pending wallet-linking request. The (token, amount) pair is
// the magic value a depositor sends to prove control of a wallet.
type LinkRequest struct {
	ID        string
	AccountID string
	Token     string
	Amount    *big.Int
	Status    LinkStatus
	Wallet    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
