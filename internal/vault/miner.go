package vault

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RandomSaltMiner is the in-process miner: a random salt with no vanity
// constraint, predicted with the standard CREATE2 derivation. Deployments
// that want vanity addresses plug in an external miner instead.
type RandomSaltMiner struct {
	Deployer     common.Address
	InitCodeHash common.Hash
}

func (m *RandomSaltMiner) Mine(_ context.Context, _ string) ([32]byte, string, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, "", fmt.Errorf("generate salt: %w", err)
	}
	predicted := crypto.CreateAddress2(m.Deployer, salt, m.InitCodeHash.Bytes())
	return salt, strings.ToLower(predicted.Hex()), nil
}
