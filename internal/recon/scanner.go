// Package recon re-derives ledger state the webhook path missed: past events
// the service slept through and rows that stalled mid-pipeline.
package recon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"escrowledger/internal/contract"
	"escrowledger/internal/model"
	"escrowledger/internal/observability"
	"escrowledger/internal/store"
)

// DefaultBatchSize bounds a single eth_getLogs range.
const DefaultBatchSize = 5000

// DefaultStuckAge is how old a PENDING or ERROR row must be before the stuck
// sweep reprocesses it.
const DefaultStuckAge = 5 * time.Minute

// ChainReader is the read-only chain surface the scanner uses.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// GroupConfirmer runs the confirmation pipeline for one deposit group.
type GroupConfirmer interface {
	ConfirmGroup(ctx context.Context, group model.Group) error
}

// VaultFinalizer settles a vault deployment against its on-chain event.
type VaultFinalizer interface {
	Finalize(ctx context.Context, ev *contract.VaultCharteredEvent) error
}

// LinkHandler intercepts magic-amount linking deposits before they reach the
// ledger.
type LinkHandler interface {
	HandleDeposit(ctx context.Context, depositor, token string, amount *big.Int) (bool, error)
}

// Config holds runtime settings for the scanner.
type Config struct {
	Contract        common.Address
	DeploymentBlock uint64
	BatchSize       uint64
	MaxRetries      int
	RetryBackoff    time.Duration
	StuckAge        time.Duration
}

// Scanner finds missed events and stuck rows and pushes them back through the
// confirmation engine.
type Scanner struct {
	cfg       Config
	chain     ChainReader
	decoder   *contract.Decoder
	store     store.Store
	confirmer GroupConfirmer
	vaults    VaultFinalizer
	linking   LinkHandler
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewScanner(
	cfg Config,
	chain ChainReader,
	decoder *contract.Decoder,
	st store.Store,
	confirmer GroupConfirmer,
	vaults VaultFinalizer,
	linking LinkHandler,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Scanner {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StuckAge <= 0 {
		cfg.StuckAge = DefaultStuckAge
	}
	if metrics == nil {
		metrics = observability.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cfg:       cfg,
		chain:     chain,
		decoder:   decoder,
		store:     st,
		confirmer: confirmer,
		vaults:    vaults,
		linking:   linking,
		metrics:   metrics,
		logger:    logger,
	}
}

// ScanMissedEvents walks the chain from the stored checkpoint (or the
// contract's deployment block on first run) to the current head and recreates
// any ledger rows the webhook path never delivered. The checkpoint advances
// only after a full range lands, so a crash re-scans rather than skips.
func (s *Scanner) ScanMissedEvents(ctx context.Context) (int, error) {
	s.metrics.ReconRuns.Inc()

	from := s.cfg.DeploymentBlock
	checkpoint, ok, err := s.store.GetLastSyncedBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok && checkpoint+1 > from {
		from = checkpoint + 1
	}

	latest, err := s.chain.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if from > latest {
		s.logger.Debug("nothing to scan", zap.Uint64("from", from), zap.Uint64("latest", latest))
		return 0, nil
	}

	ranges, err := SplitRange(from, latest, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return recovered, ctx.Err()
		default:
		}

		logs, err := s.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return recovered, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		n, err := s.processLogs(ctx, logs)
		recovered += n
		if err != nil {
			return recovered, err
		}

		if err := s.store.SetLastSyncedBlock(ctx, blockRange.To); err != nil {
			return recovered, fmt.Errorf("save checkpoint: %w", err)
		}
		if len(logs) > 0 {
			s.logger.Info("scan batch complete",
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
				zap.Int("logs", len(logs)),
				zap.Int("recovered", n))
		}
	}

	return recovered, nil
}

// processLogs recreates missed ledger rows. Undecodable logs are skipped;
// store failures abort so the checkpoint does not advance past them.
func (s *Scanner) processLogs(ctx context.Context, logs []types.Log) (int, error) {
	recovered := 0
	for _, logEntry := range logs {
		raw := rawFromLog(logEntry)
		if len(raw.Topics) == 0 {
			continue
		}
		kind, known := s.decoder.Kind(raw.Topics[0])
		if !known {
			continue
		}

		switch kind {
		case contract.KindContribution, contract.KindDonation:
			ev, err := s.decoder.DecodeDeposit(raw, kind)
			if err != nil {
				s.logger.Warn("skip undecodable deposit log", zap.String("tx", raw.TxHash), zap.Error(err))
				continue
			}
			created, err := s.recoverDeposit(ctx, ev)
			if err != nil {
				return recovered, err
			}
			if created {
				recovered++
			}
		case contract.KindVaultChartered:
			ev, err := s.decoder.DecodeVaultChartered(raw)
			if err != nil {
				s.logger.Warn("skip undecodable vault log", zap.String("tx", raw.TxHash), zap.Error(err))
				continue
			}
			if err := s.vaults.Finalize(ctx, ev); err != nil {
				return recovered, fmt.Errorf("finalize vault %s: %w", ev.TxHash, err)
			}
		case contract.KindRescission:
			// Withdrawal requests originate off-chain; the rescission log is
			// an effect, not a trigger, so the scan has nothing to recreate.
		}
	}
	return recovered, nil
}

func (s *Scanner) recoverDeposit(ctx context.Context, ev *contract.DepositEvent) (bool, error) {
	exists, err := s.store.LedgerEntryExists(ctx, ev.TxHash)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	if exists {
		return false, nil
	}

	if !ev.Donation && s.linking != nil {
		handled, err := s.linking.HandleDeposit(ctx, ev.Depositor, ev.Token, ev.Amount)
		if err != nil {
			return false, fmt.Errorf("linking check: %w", err)
		}
		if handled {
			return false, nil
		}
	}

	depositType := model.DepositTypeToken
	if ev.Donation {
		depositType = model.DepositTypeDonation
	}
	now := time.Now().UTC()
	entry := model.LedgerEntry{
		TxHash:       model.NormalizeHash(ev.TxHash),
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		VaultAddress: model.NormalizeAddress(ev.Vault),
		Depositor:    model.NormalizeAddress(ev.Depositor),
		TokenAddress: model.NormalizeAddress(ev.Token),
		Amount:       ev.Amount,
		DepositType:  depositType,
		Status:       model.LedgerPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("create recovered entry: %w", err)
	}

	s.logger.Info("recovered missed deposit",
		zap.String("tx", entry.TxHash),
		zap.String("depositor", entry.Depositor),
		zap.String("token", entry.TokenAddress))
	return true, nil
}

// ProcessPending groups every processable ledger row and runs the
// confirmation engine over each group. Per-group failures are logged and do
// not stop the remaining groups.
func (s *Scanner) ProcessPending(ctx context.Context) (int, error) {
	entries, err := s.store.FindProcessableEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("find processable entries: %w", err)
	}
	return s.confirmGroups(ctx, model.GroupEntries(entries)), nil
}

// SweepStuck reprocesses PENDING and ERROR rows older than the configured
// age. Rows here already exhausted or bypassed the webhook retry budget; the
// sweep runs each group once more regardless of prior attempts.
func (s *Scanner) SweepStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckAge)
	entries, err := s.store.FindStuckEntries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stuck entries: %w", err)
	}
	groups := model.GroupEntries(entries)
	if len(groups) > 0 {
		s.logger.Info("sweeping stuck deposits", zap.Int("groups", len(groups)))
	}
	return s.confirmGroups(ctx, groups), nil
}

func (s *Scanner) confirmGroups(ctx context.Context, groups []model.Group) int {
	done := 0
	for _, group := range groups {
		if ctx.Err() != nil {
			return done
		}
		if err := s.confirmer.ConfirmGroup(ctx, group); err != nil {
			s.logger.Error("group confirmation failed",
				zap.String("depositor", group.Depositor),
				zap.String("token", group.Token),
				zap.Error(err))
			continue
		}
		done++
	}
	return done
}

func (s *Scanner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = s.chain.FilterLogs(ctx, fromBlock, toBlock, []common.Address{s.cfg.Contract}, s.decoder.AllTopics())
		if err != nil {
			s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func rawFromLog(logEntry types.Log) contract.RawLog {
	topics := make([]string, len(logEntry.Topics))
	for i, t := range logEntry.Topics {
		topics[i] = t.Hex()
	}
	return contract.RawLog{
		TxHash:      logEntry.TxHash.Hex(),
		BlockNumber: logEntry.BlockNumber,
		LogIndex:    uint64(logEntry.Index),
		Address:     logEntry.Address.Hex(),
		Topics:      topics,
		Data:        "0x" + common.Bytes2Hex(logEntry.Data),
	}
}
