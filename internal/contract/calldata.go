package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Calldata packs escrow contract method calls. The service only assembles raw
// calldata for the admin multicall batches; single calls go through the chain
// client's transact path with the same packed bytes.
type Calldata struct {
	abi abi.ABI
}

// NewCalldata builds a Calldata over the escrow ABI.
func NewCalldata() (*Calldata, error) {
	parsed, err := EscrowABI()
	if err != nil {
		return nil, err
	}
	return &Calldata{abi: parsed}, nil
}

func (c *Calldata) Balances(holder, token string) ([]byte, error) {
	return c.abi.Pack("balances", common.HexToAddress(holder), common.HexToAddress(token))
}

// UnpackBalances decodes the packed custody word returned by balances().
func (c *Calldata) UnpackBalances(data []byte) (*big.Int, error) {
	values, err := c.abi.Unpack("balances", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balances: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack balances: want 1 value, got %d", len(values))
	}
	word, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack balances: not uint256")
	}
	return word, nil
}

func (c *Calldata) ConfirmDeposit(holder, vault, token string, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("confirmDeposit",
		common.HexToAddress(holder), common.HexToAddress(vault), common.HexToAddress(token), amount)
}

func (c *Calldata) Remit(to, token string, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("remit", common.HexToAddress(to), common.HexToAddress(token), amount)
}

func (c *Calldata) Seize(holder, vault, token string, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("seize",
		common.HexToAddress(holder), common.HexToAddress(vault), common.HexToAddress(token), amount)
}

func (c *Calldata) SweepFees(vault, token string) ([]byte, error) {
	return c.abi.Pack("sweepFees", common.HexToAddress(vault), common.HexToAddress(token))
}

func (c *Calldata) Allocate(token string, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("allocate", common.HexToAddress(token), amount)
}

// Multicall wraps a batch of packed calls; the contract executes the batch
// atomically, reverting all of it on any failure.
func (c *Calldata) Multicall(calls [][]byte) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("multicall: empty batch")
	}
	return c.abi.Pack("multicall", calls)
}

func (c *Calldata) CharterVault(owner string, salt [32]byte) ([]byte, error) {
	return c.abi.Pack("charterVault", common.HexToAddress(owner), salt)
}
