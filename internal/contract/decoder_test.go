package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	depositorHex = "0x1111111111111111111111111111111111111111"
	vaultHex     = "0x2222222222222222222222222222222222222222"
	tokenHex     = "0x3333333333333333333333333333333333333333"
)

func addressTopic(addr string) string {
	return common.HexToHash(addr).Hex()
}

func uint256Data(v *big.Int) string {
	return hexutil.Encode(common.LeftPadBytes(v.Bytes(), 32))
}

func TestDecodeContribution(t *testing.T) {
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	amount := big.NewInt(1_500_000)
	log := RawLog{
		TxHash:      "0xAAAA",
		BlockNumber: 42,
		LogIndex:    3,
		Topics: []string{
			d.Topic0(KindContribution).Hex(),
			addressTopic(depositorHex),
			addressTopic(vaultHex),
			addressTopic(tokenHex),
		},
		Data: uint256Data(amount),
	}

	kind, ok := d.Kind(log.Topics[0])
	if !ok || kind != KindContribution {
		t.Fatalf("kind = %s, ok = %v", kind, ok)
	}

	ev, err := d.DecodeDeposit(log, kind)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Depositor != depositorHex {
		t.Fatalf("depositor = %s", ev.Depositor)
	}
	if ev.Vault != vaultHex {
		t.Fatalf("vault = %s", ev.Vault)
	}
	if ev.Token != tokenHex {
		t.Fatalf("token = %s", ev.Token)
	}
	if ev.Amount.Cmp(amount) != 0 {
		t.Fatalf("amount = %s, want %s", ev.Amount, amount)
	}
	if ev.Donation {
		t.Fatal("contribution decoded as donation")
	}
	if ev.TxHash != "0xaaaa" {
		t.Fatalf("tx hash not normalized: %s", ev.TxHash)
	}
}

func TestDecodeDonation(t *testing.T) {
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	log := RawLog{
		TxHash: "0xbb",
		Topics: []string{
			d.Topic0(KindDonation).Hex(),
			addressTopic(depositorHex),
			addressTopic(vaultHex),
			addressTopic(tokenHex),
		},
		Data: uint256Data(big.NewInt(7)),
	}

	ev, err := d.DecodeDeposit(log, KindDonation)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.Donation {
		t.Fatal("donation flag not set")
	}
}

func TestDecodeRescission(t *testing.T) {
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	// amount=99, admin=true
	data := uint256Data(big.NewInt(99)) + common.HexToHash("0x01").Hex()[2:]
	log := RawLog{
		TxHash: "0xcc",
		Topics: []string{
			d.Topic0(KindRescission).Hex(),
			addressTopic(depositorHex),
			addressTopic(tokenHex),
			addressTopic(vaultHex),
		},
		Data: data,
	}

	ev, err := d.DecodeRescission(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.User != depositorHex || ev.Token != tokenHex || ev.Vault != vaultHex {
		t.Fatalf("unexpected participants: %+v", ev)
	}
	if ev.Amount.Int64() != 99 {
		t.Fatalf("amount = %s", ev.Amount)
	}
	if !ev.Admin {
		t.Fatal("admin flag not set")
	}
}

func TestDecodeVaultChartered(t *testing.T) {
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	salt := common.HexToHash("0xdeadbeef")
	log := RawLog{
		TxHash: "0xdd",
		Topics: []string{
			d.Topic0(KindVaultChartered).Hex(),
			addressTopic(vaultHex),
			addressTopic(depositorHex),
		},
		Data: salt.Hex(),
	}

	ev, err := d.DecodeVaultChartered(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Vault != vaultHex || ev.Owner != depositorHex {
		t.Fatalf("unexpected participants: %+v", ev)
	}
	if common.Hash(ev.Salt) != salt {
		t.Fatalf("salt = %x", ev.Salt)
	}
}

func TestDecodeRejectsWrongShape(t *testing.T) {
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	if _, err := d.DecodeDeposit(RawLog{Topics: []string{"0x1"}}, KindContribution); err == nil {
		t.Fatal("short topics should fail")
	}
	if _, err := d.DecodeDeposit(RawLog{}, KindRescission); err == nil {
		t.Fatal("rescission is not a deposit event")
	}
	if _, ok := d.Kind("0x0000000000000000000000000000000000000000000000000000000000000000"); ok {
		t.Fatal("unknown topic0 should not map to a kind")
	}
}
