package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC with the read and write helpers the
// reconciliation pipeline needs.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	chainID *big.Int
	key     *ecdsa.PrivateKey
	sender  common.Address
}

// NewClient dials the RPC endpoint. signerKeyHex may be empty for read-only
// use; writes then fail with an explicit error.
func NewClient(ctx context.Context, rpcURL, signerKeyHex string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	ethClient := ethclient.NewClient(rpcClient)

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}

	c := &Client{
		rpcClient: rpcClient,
		ethClient: ethClient,
		chainID:   chainID,
	}

	if signerKeyHex != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(signerKeyHex))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		c.key = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Sender returns the signing address, zero when read-only.
func (c *Client) Sender() common.Address {
	return c.sender
}

// LatestBlockNumber returns the current chain head number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// Call performs an eth_call against the contract.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.ethClient.CallContract(ctx, msg, nil)
}

// EstimateGas estimates gas for a write from the signer to the contract.
func (c *Client) EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{From: c.sender, To: &to, Data: data}
	return c.ethClient.EstimateGas(ctx, msg)
}

// SuggestGasPrice returns the node's suggested gas price in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ethClient.SuggestGasPrice(ctx)
}

// Transact signs and submits a contract call with the configured key.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	if c.key == nil {
		return nil, fmt.Errorf("chain: no signer key configured")
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.EstimateGas(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ethClient.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}

// WaitMined blocks until the transaction is mined and returns its receipt.
// The error covers only the wait; a mined-but-reverted tx is reported through
// the receipt status.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.ethClient, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

// GasCostWei returns the actual wei spent by a mined transaction.
func GasCostWei(receipt *types.Receipt) *big.Int {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
