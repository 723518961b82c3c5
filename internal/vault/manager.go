// Package vault manages the lifecycle of chartered referral vaults:
// deterministic sub-accounts deployed via CREATE2, promoted to ACTIVE only
// when the observed on-chain address matches the local prediction exactly.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"escrowledger/internal/accounts"
	"escrowledger/internal/contract"
	"escrowledger/internal/grouplock"
	"escrowledger/internal/model"
	"escrowledger/internal/notify"
	"escrowledger/internal/store"
)

// DefaultDeployTimeout is how long a vault may sit PENDING_DEPLOYMENT before
// the stale sweep fails it.
const DefaultDeployTimeout = 30 * time.Minute

// SaltMiner produces a salt whose CREATE2 address carries the desired vanity
// property, plus the predicted address. Mining runs in an isolated worker
// pool outside this service.
type SaltMiner interface {
	Mine(ctx context.Context, owner string) (salt [32]byte, predicted string, err error)
}

// ChainBackend is the subset of the chain client the manager uses.
type ChainBackend interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// ManagerDeps wires a Manager.
type ManagerDeps struct {
	Contract common.Address
	// InitCodeHash is the keccak hash of the vault init code; when set, the
	// miner's predicted address is re-derived locally and must match.
	InitCodeHash common.Hash
	Backend      ChainBackend
	Calldata     *contract.Calldata
	Decoder      *contract.Decoder
	Store        store.Store
	Accounts     accounts.API
	Miner        SaltMiner
	Locks        grouplock.Locker
	Notifier     notify.Notifier
	Logger       *zap.Logger
}

// Manager creates, finalizes, and sweeps referral vaults.
type Manager struct {
	d ManagerDeps
}

func NewManager(deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Manager{d: deps}
}

// Create charters a new vault for the owner: mine a salt, submit the
// deterministic deployment, verify the emitted address against the
// prediction, and persist the vault as PENDING_DEPLOYMENT.
func (m *Manager) Create(ctx context.Context, owner string) (*model.ReferralVault, error) {
	acct, err := m.d.Accounts.FindOrCreate(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("resolve owner account: %w", err)
	}

	release, err := m.d.Locks.Acquire(ctx, grouplock.VaultKey(owner))
	if err != nil {
		return nil, err
	}
	defer release()

	salt, predicted, err := m.d.Miner.Mine(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("mine salt: %w", err)
	}
	predicted = model.NormalizeAddress(predicted)

	if (m.d.InitCodeHash != common.Hash{}) {
		derived := crypto.CreateAddress2(m.d.Contract, salt, m.d.InitCodeHash.Bytes())
		if model.NormalizeAddress(derived.Hex()) != predicted {
			return nil, fmt.Errorf("miner prediction %s disagrees with derived address %s", predicted, derived.Hex())
		}
	}

	data, err := m.d.Calldata.CharterVault(owner, salt)
	if err != nil {
		return nil, fmt.Errorf("pack charter call: %w", err)
	}
	tx, err := m.d.Backend.Transact(ctx, m.d.Contract, data)
	if err != nil {
		return nil, fmt.Errorf("submit charter: %w", err)
	}
	receipt, err := m.d.Backend.WaitMined(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("wait charter: %w", err)
	}
	if receipt.Status == 0 {
		return nil, fmt.Errorf("charter tx %s reverted", tx.Hash().Hex())
	}

	emitted, ok := m.emittedVaultAddress(receipt)
	if ok && emitted != predicted {
		// Terminal: a wrong deterministic address is never retried.
		vaultRow := m.buildRow(predicted, owner, acct.ID, salt, tx.Hash().Hex(), model.VaultAddressMismatch)
		vaultRow.FailureReason = fmt.Sprintf("emitted %s, predicted %s", emitted, predicted)
		if err := m.d.Store.CreateReferralVault(ctx, vaultRow); err != nil {
			m.d.Logger.Error("persist mismatched vault", zap.Error(err))
		}
		return nil, fmt.Errorf("vault address mismatch: emitted %s, predicted %s", emitted, predicted)
	}

	vaultRow := m.buildRow(predicted, owner, acct.ID, salt, tx.Hash().Hex(), model.VaultPendingDeployment)
	if err := m.d.Store.CreateReferralVault(ctx, vaultRow); err != nil {
		return nil, fmt.Errorf("persist vault: %w", err)
	}

	m.d.Logger.Info("vault chartered",
		zap.String("vault", predicted),
		zap.String("owner", owner),
		zap.String("deploy_tx", vaultRow.DeployTxHash))
	return &vaultRow, nil
}

// Finalize promotes a vault when its on-chain creation event is observed.
// The emitted address must match the stored prediction bit for bit; a
// mismatch is terminal and flagged for manual review, never auto-retried.
func (m *Manager) Finalize(ctx context.Context, ev *contract.VaultCharteredEvent) error {
	vaultRow, err := m.d.Store.FindReferralVaultByTxHash(ctx, ev.TxHash)
	if errors.Is(err, store.ErrNotFound) {
		m.d.Logger.Warn("vault chartered event with no local record", zap.String("tx", ev.TxHash))
		return nil
	}
	if err != nil {
		return fmt.Errorf("find vault by deploy tx: %w", err)
	}
	if vaultRow.Status != model.VaultPendingDeployment {
		return nil
	}

	if model.NormalizeAddress(ev.Vault) != vaultRow.Address {
		reason := fmt.Sprintf("emitted %s, predicted %s", ev.Vault, vaultRow.Address)
		m.d.Logger.Error("vault address mismatch, flagged for manual review",
			zap.String("deploy_tx", ev.TxHash),
			zap.String("emitted", ev.Vault),
			zap.String("predicted", vaultRow.Address))
		return m.d.Store.UpdateReferralVaultStatus(ctx, vaultRow.Address, model.VaultAddressMismatch, reason)
	}

	if err := m.d.Store.UpdateReferralVaultStatus(ctx, vaultRow.Address, model.VaultActive, ""); err != nil {
		return fmt.Errorf("activate vault: %w", err)
	}
	if err := m.d.Notifier.Notify(ctx, vaultRow.MasterAccountID, notify.Event{
		Type:   "vault_active",
		TxHash: ev.TxHash,
		Data:   map[string]any{"vault": vaultRow.Address},
	}); err != nil {
		m.d.Logger.Debug("vault activation notification failed", zap.Error(err))
	}

	m.d.Logger.Info("vault active", zap.String("vault", vaultRow.Address))
	return nil
}

// SweepStale fails deployments that never confirmed within the timeout.
func (m *Manager) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	stale, err := m.d.Store.FindStaleVaults(ctx, time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("find stale vaults: %w", err)
	}
	for _, v := range stale {
		reason := fmt.Sprintf("deployment not confirmed within %s", timeout)
		if err := m.d.Store.UpdateReferralVaultStatus(ctx, v.Address, model.VaultFailed, reason); err != nil {
			m.d.Logger.Error("fail stale vault", zap.String("vault", v.Address), zap.Error(err))
			continue
		}
		m.d.Logger.Warn("stale vault deployment failed", zap.String("vault", v.Address))
	}
	return len(stale), nil
}

func (m *Manager) buildRow(address, owner, accountID string, salt [32]byte, deployTx string, status model.VaultStatus) model.ReferralVault {
	return model.ReferralVault{
		Address:         address,
		Owner:           model.NormalizeAddress(owner),
		MasterAccountID: accountID,
		Salt:            hexutil.Encode(salt[:]),
		DeployTxHash:    model.NormalizeHash(deployTx),
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
}

func (m *Manager) emittedVaultAddress(receipt *types.Receipt) (string, bool) {
	topic := m.d.Decoder.Topic0(contract.KindVaultChartered)
	for _, logEntry := range receipt.Logs {
		if len(logEntry.Topics) == 3 && logEntry.Topics[0] == topic {
			return strings.ToLower(common.BytesToAddress(logEntry.Topics[1].Bytes()).Hex()), true
		}
	}
	return "", false
}
