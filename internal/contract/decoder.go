package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Decoder converts raw escrow contract logs into typed events.
type Decoder struct {
	abi         abi.ABI
	topicToKind map[string]EventKind
}

// NewDecoder builds a Decoder from the embedded escrow ABI.
func NewDecoder() (*Decoder, error) {
	parsed, err := EscrowABI()
	if err != nil {
		return nil, err
	}
	topicToKind := map[string]EventKind{
		strings.ToLower(parsed.Events["Contribution"].ID.Hex()):   KindContribution,
		strings.ToLower(parsed.Events["Donation"].ID.Hex()):       KindDonation,
		strings.ToLower(parsed.Events["Rescission"].ID.Hex()):     KindRescission,
		strings.ToLower(parsed.Events["VaultChartered"].ID.Hex()): KindVaultChartered,
	}
	return &Decoder{abi: parsed, topicToKind: topicToKind}, nil
}

// Kind maps a topic0 to its event kind, if it is one of ours.
func (d *Decoder) Kind(topic0 string) (EventKind, bool) {
	kind, ok := d.topicToKind[strings.ToLower(topic0)]
	return kind, ok
}

// Topic0 returns the topic hash for an event kind.
func (d *Decoder) Topic0(kind EventKind) common.Hash {
	return d.abi.Events[string(kind)].ID
}

// AllTopics returns the topic0 hashes of every event the decoder handles, in
// a fixed order suitable for log filters.
func (d *Decoder) AllTopics() []common.Hash {
	return []common.Hash{
		d.Topic0(KindContribution),
		d.Topic0(KindDonation),
		d.Topic0(KindRescission),
		d.Topic0(KindVaultChartered),
	}
}

// DecodeDeposit decodes a Contribution or Donation log.
func (d *Decoder) DecodeDeposit(log RawLog, kind EventKind) (*DepositEvent, error) {
	if kind != KindContribution && kind != KindDonation {
		return nil, fmt.Errorf("not a deposit event: %s", kind)
	}
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("%s: want 4 topics, got %d", kind, len(log.Topics))
	}
	amount, err := d.unpackAmount(string(kind), log.Data)
	if err != nil {
		return nil, err
	}
	return &DepositEvent{
		Depositor:   topicAddress(log.Topics[1]),
		Vault:       topicAddress(log.Topics[2]),
		Token:       topicAddress(log.Topics[3]),
		Amount:      amount,
		Donation:    kind == KindDonation,
		TxHash:      strings.ToLower(log.TxHash),
		LogIndex:    log.LogIndex,
		BlockNumber: log.BlockNumber,
	}, nil
}

// DecodeRescission decodes a withdrawal request log.
func (d *Decoder) DecodeRescission(log RawLog) (*RescissionEvent, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("Rescission: want 4 topics, got %d", len(log.Topics))
	}
	data, err := hexutil.Decode(ensureHexPrefix(log.Data))
	if err != nil {
		return nil, fmt.Errorf("Rescission: bad data: %w", err)
	}
	values, err := d.abi.Events["Rescission"].Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("Rescission: unpack: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("Rescission: want 2 data values, got %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("Rescission: amount is not uint256")
	}
	admin, ok := values[1].(bool)
	if !ok {
		return nil, fmt.Errorf("Rescission: admin flag is not bool")
	}
	return &RescissionEvent{
		User:        topicAddress(log.Topics[1]),
		Token:       topicAddress(log.Topics[2]),
		Vault:       topicAddress(log.Topics[3]),
		Amount:      amount,
		Admin:       admin,
		TxHash:      strings.ToLower(log.TxHash),
		BlockNumber: log.BlockNumber,
	}, nil
}

// DecodeVaultChartered decodes a vault creation log.
func (d *Decoder) DecodeVaultChartered(log RawLog) (*VaultCharteredEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("VaultChartered: want 3 topics, got %d", len(log.Topics))
	}
	data, err := hexutil.Decode(ensureHexPrefix(log.Data))
	if err != nil {
		return nil, fmt.Errorf("VaultChartered: bad data: %w", err)
	}
	values, err := d.abi.Events["VaultChartered"].Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("VaultChartered: unpack: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("VaultChartered: want 1 data value, got %d", len(values))
	}
	salt, ok := values[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("VaultChartered: salt is not bytes32")
	}
	return &VaultCharteredEvent{
		Vault:       topicAddress(log.Topics[1]),
		Owner:       topicAddress(log.Topics[2]),
		Salt:        salt,
		TxHash:      strings.ToLower(log.TxHash),
		BlockNumber: log.BlockNumber,
	}, nil
}

func (d *Decoder) unpackAmount(event, data string) (*big.Int, error) {
	raw, err := hexutil.Decode(ensureHexPrefix(data))
	if err != nil {
		return nil, fmt.Errorf("%s: bad data: %w", event, err)
	}
	values, err := d.abi.Events[event].Inputs.NonIndexed().Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", event, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: want 1 data value, got %d", event, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: amount is not uint256", event)
	}
	return amount, nil
}

func topicAddress(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.HexToHash(topic).Bytes()).Hex())
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
