package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"escrowledger/internal/model"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu          sync.Mutex
	ledger      map[string]*model.LedgerEntry
	withdrawals map[string]*model.WithdrawalRequest
	vaults      map[string]*model.ReferralVault
	links       map[string]*model.LinkRequest
	checkpoint  uint64
	hasCheck    bool
}

func NewMemory() *Memory {
	return &Memory{
		ledger:      make(map[string]*model.LedgerEntry),
		withdrawals: make(map[string]*model.WithdrawalRequest),
		vaults:      make(map[string]*model.ReferralVault),
		links:       make(map[string]*model.LinkRequest),
	}
}

func (m *Memory) CreateLedgerEntry(_ context.Context, entry model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeHash(entry.TxHash)
	if _, ok := m.ledger[key]; ok {
		return ErrDuplicate
	}
	entry.TxHash = key
	entry.Depositor = model.NormalizeAddress(entry.Depositor)
	entry.TokenAddress = model.NormalizeAddress(entry.TokenAddress)
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	m.ledger[key] = &entry
	return nil
}

func (m *Memory) LedgerEntryExists(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ledger[model.NormalizeHash(txHash)]
	return ok, nil
}

func (m *Memory) FindLedgerEntry(_ context.Context, txHash string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[model.NormalizeHash(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *Memory) FindProcessableEntries(_ context.Context) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(e *model.LedgerEntry) bool {
		return e.Status == model.LedgerPending || e.Status == model.LedgerError
	}), nil
}

func (m *Memory) FindGroupEntries(_ context.Context, depositor, token string) ([]model.LedgerEntry, error) {
	depositor = model.NormalizeAddress(depositor)
	token = model.NormalizeAddress(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(e *model.LedgerEntry) bool {
		return e.Depositor == depositor && e.TokenAddress == token &&
			(e.Status == model.LedgerPending || e.Status == model.LedgerError)
	}), nil
}

func (m *Memory) FindStuckEntries(_ context.Context, cutoff time.Time) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(e *model.LedgerEntry) bool {
		if e.DepositType == model.DepositTypeDonation {
			return false
		}
		if e.Status != model.LedgerPending && e.Status != model.LedgerError {
			return false
		}
		return e.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *Memory) FindConsumedEntries(_ context.Context, token string) ([]model.LedgerEntry, error) {
	token = model.NormalizeAddress(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(e *model.LedgerEntry) bool {
		return e.TokenAddress == token && e.Status == model.LedgerConfirmed &&
			e.PointsRemaining < e.PointsCredited
	}), nil
}

func (m *Memory) FindActiveDepositsForAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(e *model.LedgerEntry) bool {
		return e.AccountID == accountID && e.Status == model.LedgerConfirmed && e.PointsRemaining > 0
	}), nil
}

func (m *Memory) UpdateLedgerEntry(_ context.Context, txHash string, upd LedgerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[model.NormalizeHash(txHash)]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != "" {
		e.Status = upd.Status
	}
	if upd.AccountID != nil {
		e.AccountID = *upd.AccountID
	}
	if upd.PointsCredited != nil {
		e.PointsCredited = *upd.PointsCredited
	}
	if upd.PointsRemaining != nil {
		e.PointsRemaining = *upd.PointsRemaining
	}
	if upd.FundingRate != nil {
		e.FundingRate = *upd.FundingRate
	}
	if upd.GrossUSD != nil {
		e.GrossUSD = *upd.GrossUSD
	}
	if upd.NetUSD != nil {
		e.NetUSD = *upd.NetUSD
	}
	if upd.ConfirmationTx != nil {
		e.ConfirmationTx = *upd.ConfirmationTx
	}
	if upd.FailureReason != nil {
		e.FailureReason = *upd.FailureReason
	}
	if e.PointsRemaining > e.PointsCredited {
		return fmt.Errorf("store: points_remaining %d exceeds points_credited %d", e.PointsRemaining, e.PointsCredited)
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeductPoints(_ context.Context, txHash string, points int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[model.NormalizeHash(txHash)]
	if !ok {
		return ErrNotFound
	}
	if points < 0 || e.PointsRemaining < points {
		return fmt.Errorf("store: cannot deduct %d points from %d remaining", points, e.PointsRemaining)
	}
	e.PointsRemaining -= points
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateWithdrawalRequest(_ context.Context, req model.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeHash(req.TxHash)
	if _, ok := m.withdrawals[key]; ok {
		return ErrDuplicate
	}
	req.TxHash = key
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.withdrawals[key] = &req
	return nil
}

func (m *Memory) FindWithdrawalRequestByTxHash(_ context.Context, txHash string) (*model.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.withdrawals[model.NormalizeHash(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *Memory) UpdateWithdrawalRequest(_ context.Context, txHash string, upd WithdrawalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.withdrawals[model.NormalizeHash(txHash)]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != "" {
		r.Status = upd.Status
	}
	if upd.WithdrawalTx != nil {
		r.WithdrawalTx = *upd.WithdrawalTx
	}
	if upd.Fee != nil {
		r.Fee = new(big.Int).Set(upd.Fee)
	}
	if upd.SeizureCount != nil {
		r.SeizureCount = *upd.SeizureCount
	}
	if upd.SeizureAmount != nil {
		r.SeizureAmount = new(big.Int).Set(upd.SeizureAmount)
	}
	if upd.ExistingEscrow != nil {
		r.ExistingEscrow = new(big.Int).Set(upd.ExistingEscrow)
	}
	if upd.FailureReason != nil {
		r.FailureReason = *upd.FailureReason
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateReferralVault(_ context.Context, vault model.ReferralVault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeAddress(vault.Address)
	if _, ok := m.vaults[key]; ok {
		return ErrDuplicate
	}
	vault.Address = key
	now := time.Now().UTC()
	if vault.CreatedAt.IsZero() {
		vault.CreatedAt = now
	}
	vault.UpdatedAt = now
	m.vaults[key] = &vault
	return nil
}

func (m *Memory) FindReferralVaultByTxHash(_ context.Context, deployTxHash string) (*model.ReferralVault, error) {
	deployTxHash = model.NormalizeHash(deployTxHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vaults {
		if model.NormalizeHash(v.DeployTxHash) == deployTxHash {
			out := *v
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindReferralVaultByAddress(_ context.Context, address string) (*model.ReferralVault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[model.NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

func (m *Memory) UpdateReferralVaultStatus(_ context.Context, address string, status model.VaultStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[model.NormalizeAddress(address)]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	v.FailureReason = reason
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AddReferralVaultStats(_ context.Context, address string, stats VaultStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[model.NormalizeAddress(address)]
	if !ok {
		return ErrNotFound
	}
	v.DepositCount += stats.Deposits
	v.GrossUSD += stats.GrossUSD
	v.RewardPoints += stats.RewardPoints
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FindStaleVaults(_ context.Context, cutoff time.Time) ([]model.ReferralVault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReferralVault
	for _, v := range m.vaults {
		if v.Status == model.VaultPendingDeployment && v.CreatedAt.Before(cutoff) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// AddLinkRequest seeds a linking request; production rows are created by the
// account surface, outside this service.
func (m *Memory) AddLinkRequest(req model.LinkRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Token = model.NormalizeAddress(req.Token)
	m.links[req.ID] = &req
}

func (m *Memory) FindPendingLinkRequest(_ context.Context, token string, amount *big.Int) (*model.LinkRequest, error) {
	token = model.NormalizeAddress(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Status == model.LinkPending && l.Token == token && l.Amount.Cmp(amount) == 0 {
			out := *l
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CompleteLinkRequest(_ context.Context, id, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = model.LinkCompleted
	l.Wallet = model.NormalizeAddress(wallet)
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetLastSyncedBlock(_ context.Context) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, m.hasCheck, nil
}

func (m *Memory) SetLastSyncedBlock(_ context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = block
	m.hasCheck = true
	return nil
}

func (m *Memory) collect(keep func(*model.LedgerEntry) bool) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range m.ledger {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out
}
