package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestRandomSaltMinerPredictionMatchesDerivation(t *testing.T) {
	initHash := crypto.Keccak256Hash([]byte("vault-init-code"))
	miner := &RandomSaltMiner{Deployer: escrowAddr, InitCodeHash: initHash}

	salt, predicted, err := miner.Mine(context.Background(), ownerHex)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	derived := crypto.CreateAddress2(escrowAddr, salt, initHash.Bytes())
	if predicted != strings.ToLower(derived.Hex()) {
		t.Fatalf("predicted %s, derived %s", predicted, derived.Hex())
	}
}

func TestRandomSaltMinerSaltsAreUnique(t *testing.T) {
	miner := &RandomSaltMiner{Deployer: escrowAddr}
	salt1, _, err := miner.Mine(context.Background(), ownerHex)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	salt2, _, err := miner.Mine(context.Background(), ownerHex)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if salt1 == salt2 {
		t.Fatalf("salts must not repeat")
	}
}
