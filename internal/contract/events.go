package contract

import (
	"math/big"
)

// EventKind identifies which escrow contract event a log carries.
type EventKind string

const (
	KindContribution   EventKind = "Contribution"
	KindDonation       EventKind = "Donation"
	KindRescission     EventKind = "Rescission"
	KindVaultChartered EventKind = "VaultChartered"
)

// RawLog is the normalized representation of one chain log, as delivered by
// the webhook payload or a past-events scan.
type RawLog struct {
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

// DepositEvent is a decoded Contribution or Donation log.
type DepositEvent struct {
	Depositor   string
	Vault       string
	Token       string
	Amount      *big.Int
	Donation    bool
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
}

// RescissionEvent is a decoded withdrawal request log.
type RescissionEvent struct {
	User        string
	Token       string
	Vault       string
	Amount      *big.Int
	Admin       bool
	TxHash      string
	BlockNumber uint64
}

// VaultCharteredEvent is a decoded vault creation log.
type VaultCharteredEvent struct {
	Vault       string
	Owner       string
	Salt        [32]byte
	TxHash      string
	BlockNumber uint64
}
