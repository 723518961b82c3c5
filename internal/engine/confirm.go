package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"escrowledger/internal/accounts"
	"escrowledger/internal/chain"
	"escrowledger/internal/contract"
	"escrowledger/internal/custody"
	"escrowledger/internal/dedup"
	"escrowledger/internal/grouplock"
	"escrowledger/internal/model"
	"escrowledger/internal/notify"
	"escrowledger/internal/observability"
	"escrowledger/internal/pricing"
	"escrowledger/internal/store"
)

// ConfirmerDeps wires a Confirmer.
type ConfirmerDeps struct {
	Policy        Policy
	DepositRates  pricing.Rates
	DonationRates pricing.Rates
	Backend       ChainBackend
	Calldata      *contract.Calldata
	Store         store.Store
	Accounts      accounts.API
	Price         pricing.PriceFeed
	Risk          pricing.RiskAssessor
	Locks         grouplock.Locker
	Dedup         *dedup.Cache
	Notifier      notify.Notifier
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// Confirmer decides whether a group of pending deposits is worth confirming,
// executes the confirming transaction, and applies the off-chain credit.
type Confirmer struct {
	d ConfirmerDeps
}

func NewConfirmer(deps ConfirmerDeps) *Confirmer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNop()
	}
	return &Confirmer{d: deps}
}

// quote is one pass of the funding/profitability arithmetic over the current
// on-chain unconfirmed amount.
type quote struct {
	grossUSD    float64
	rate        float64
	adjustedUSD float64
	gasUSD      float64
	fee         *big.Int
	netAmount   *big.Int
	bypass      bool // native-token carve-out: platform absorbs gas
	rejected    bool
	reason      string
}

// ConfirmGroup runs the full confirmation pipeline for one (depositor, token)
// group. Terminal business rejections return nil; the returned error marks
// retryable infrastructure failures, with every row already moved to ERROR.
func (c *Confirmer) ConfirmGroup(ctx context.Context, group model.Group) error {
	if len(group.Entries) == 0 {
		return nil
	}
	log := c.d.Logger.With(
		zap.String("depositor", group.Depositor),
		zap.String("token", group.Token),
		zap.Int("entries", len(group.Entries)),
	)

	if c.allProcessed(group) {
		log.Debug("group already processed, skipping")
		return nil
	}

	release, err := c.d.Locks.Acquire(ctx, grouplock.Key(group.Depositor, group.Token))
	if err != nil {
		return err
	}
	defer release()

	// Re-check inside the lock: a concurrent invocation may have finished
	// while this one waited.
	if c.allProcessed(group) {
		log.Debug("group processed while waiting for lock")
		return nil
	}

	if err := c.confirmLocked(ctx, group, log); err != nil {
		if errors.Is(err, custody.ErrMalformedWord) {
			c.condemnGroup(ctx, group, err, log)
			return nil
		}
		c.failGroup(ctx, group, err, log)
		return err
	}
	return nil
}

func (c *Confirmer) allProcessed(group model.Group) bool {
	for _, e := range group.Entries {
		if !c.d.Dedup.IsDuplicate(e.TxHash) {
			return false
		}
	}
	return true
}

func (c *Confirmer) confirmLocked(ctx context.Context, group model.Group, log *zap.Logger) error {
	// Ground truth: the custody word, not the sum of the ledger rows.
	balances, err := readCustody(ctx, c.d.Backend, c.d.Calldata, c.d.Policy.Contract, group.Depositor, group.Token)
	if err != nil {
		return fmt.Errorf("read custody word: %w", err)
	}
	if balances.UserOwnedIsZero() {
		log.Info("no unconfirmed balance, rows already confirmed by a prior run")
		c.finalizeStale(ctx, group)
		return nil
	}

	acct, err := c.d.Accounts.FindOrCreate(ctx, group.Depositor)
	if err != nil {
		log.Warn("account resolution failed", zap.Error(err))
		c.rejectGroup(ctx, group, model.LedgerRejectedUnknownUser,
			fmt.Sprintf("account resolution failed: %v", err), "")
		return nil
	}

	verdict, err := c.d.Risk.Assess(ctx, group.Token)
	if err != nil {
		return fmt.Errorf("risk assessment: %w", err)
	}
	if !verdict.Safe {
		log.Info("token failed risk assessment", zap.String("reason", verdict.Reason))
		c.rejectGroup(ctx, group, model.LedgerFailedRisk, verdict.Reason, "")
		return nil
	}

	vaultAddr := group.Entries[0].VaultAddress

	q, err := c.quoteAmount(ctx, group, vaultAddr, balances.UserOwned)
	if err != nil {
		return err
	}

	// Re-verify before writing: a second deposit may have arrived since the
	// first read, in which case the numbers must be recomputed against the
	// new unconfirmed amount.
	recheck, err := readCustody(ctx, c.d.Backend, c.d.Calldata, c.d.Policy.Contract, group.Depositor, group.Token)
	if err != nil {
		return fmt.Errorf("re-read custody word: %w", err)
	}
	amount := balances.UserOwned
	if recheck.UserOwned.Cmp(balances.UserOwned) != 0 {
		log.Info("custody word changed before write, requoting",
			zap.String("was", balances.UserOwned.String()),
			zap.String("now", recheck.UserOwned.String()))
		amount = recheck.UserOwned
		q, err = c.quoteAmount(ctx, group, vaultAddr, amount)
		if err != nil {
			return err
		}
	}

	if q.rejected {
		log.Info("deposit group rejected as unprofitable",
			zap.Float64("adjusted_usd", q.adjustedUSD), zap.Float64("gas_usd", q.gasUSD))
		c.rejectGroup(ctx, group, model.LedgerRejectedUnprofitable, q.reason, "")
		return nil
	}

	confirmData, err := c.d.Calldata.ConfirmDeposit(group.Depositor, vaultAddr, group.Token, q.netAmount)
	if err != nil {
		return fmt.Errorf("pack confirm call: %w", err)
	}
	tx, err := c.d.Backend.Transact(ctx, c.d.Policy.Contract, confirmData)
	if err != nil {
		return fmt.Errorf("submit confirmation: %w", err)
	}
	txHash := tx.Hash().Hex()
	c.notifyPhase(ctx, acct.ID, notify.PhaseSubmitted, txHash, nil)
	c.notifyPhase(ctx, acct.ID, notify.PhasePending, txHash, nil)

	receipt, err := c.d.Backend.WaitMined(ctx, tx)
	if err != nil {
		c.notifyPhase(ctx, acct.ID, notify.PhaseFailed, txHash, nil)
		return fmt.Errorf("wait confirmation: %w", err)
	}
	c.notifyPhase(ctx, acct.ID, notify.PhaseConfirming, txHash, nil)
	if receipt.Status == 0 {
		c.notifyPhase(ctx, acct.ID, notify.PhaseFailed, txHash, nil)
		return fmt.Errorf("confirmation tx %s reverted", txHash)
	}

	// Credit against actual gas spent, not the estimate.
	actualGasUSD, err := c.d.Price.NativeValueUSD(ctx, chain.GasCostWei(receipt))
	if err != nil {
		return fmt.Errorf("price actual gas: %w", err)
	}
	netUSD := q.adjustedUSD - actualGasUSD
	if netUSD < 0 {
		if q.bypass {
			netUSD = q.grossUSD * c.d.Policy.NativeFloorRate
		} else {
			log.Warn("actual gas exceeded value after confirmation",
				zap.Float64("adjusted_usd", q.adjustedUSD), zap.Float64("actual_gas_usd", actualGasUSD))
			c.rejectGroup(ctx, group, model.LedgerRejectedUnprofitable,
				"actual gas cost exceeded adjusted value", txHash)
			return nil
		}
	}

	points := c.d.Policy.PointsForUSD(netUSD)
	if err := c.d.Accounts.CreditPoints(ctx, acct.ID, points, netUSD, group.Entries[0].TxHash); err != nil {
		return fmt.Errorf("apply point credit: %w", err)
	}

	c.routeReferral(ctx, group, vaultAddr, q, log)

	if err := c.finalizeConfirmed(ctx, group, acct.ID, q, netUSD, points, txHash); err != nil {
		return err
	}

	c.notifyPhase(ctx, acct.ID, notify.PhaseConfirmed, txHash, map[string]any{
		"points":  points,
		"net_usd": netUSD,
		"amount":  amount.String(),
	})
	c.d.Metrics.ConfirmOutcomes.WithLabelValues(string(model.LedgerConfirmed)).Inc()
	log.Info("deposit group confirmed",
		zap.String("confirmation_tx", txHash),
		zap.Int64("points", points),
		zap.Float64("net_usd", netUSD))
	return nil
}

// quoteAmount runs the funding-rate, profitability, and fee arithmetic for
// one candidate confirmation amount.
func (c *Confirmer) quoteAmount(ctx context.Context, group model.Group, vaultAddr string, amount *big.Int) (quote, error) {
	var q quote

	grossUSD, err := c.d.Price.ValueUSD(ctx, group.Token, amount)
	if err != nil {
		return q, fmt.Errorf("price deposit: %w", err)
	}
	rates := c.d.DepositRates
	if groupIsDonation(group) {
		rates = c.d.DonationRates
	}
	q.grossUSD = grossUSD
	q.rate = rates.Rate(group.Token)
	q.adjustedUSD = grossUSD * q.rate

	confirmData, err := c.d.Calldata.ConfirmDeposit(group.Depositor, vaultAddr, group.Token, amount)
	if err != nil {
		return q, fmt.Errorf("pack confirm call: %w", err)
	}
	gasWei, err := estimateGasWei(ctx, c.d.Backend, c.d.Policy.Contract, confirmData)
	if err != nil {
		return q, fmt.Errorf("estimate gas: %w", err)
	}
	q.gasUSD, err = c.d.Price.NativeValueUSD(ctx, gasWei)
	if err != nil {
		return q, fmt.Errorf("price gas: %w", err)
	}

	if q.gasUSD >= q.adjustedUSD {
		// Strategic carve-out: the platform absorbs gas on its own native
		// token when the deposit clears a small fixed minimum.
		if c.d.Policy.IsNativeToken(group.Token) && q.grossUSD >= c.d.Policy.NativeMinUSD {
			q.bypass = true
			q.fee = big.NewInt(0)
			q.netAmount = new(big.Int).Set(amount)
			return q, nil
		}
		q.rejected = true
		q.reason = fmt.Sprintf("estimated gas $%.4f >= adjusted value $%.4f", q.gasUSD, q.adjustedUSD)
		return q, nil
	}

	fee, err := c.d.Price.AmountForUSD(ctx, group.Token, q.gasUSD)
	if err != nil {
		return q, fmt.Errorf("convert fee: %w", err)
	}
	if fee.Cmp(amount) >= 0 {
		q.rejected = true
		q.reason = "fees exceed deposit amount"
		return q, nil
	}
	q.fee = fee
	q.netAmount = new(big.Int).Sub(amount, fee)
	return q, nil
}

// finalizeStale marks rows whose value was already confirmed by a prior run.
func (c *Confirmer) finalizeStale(ctx context.Context, group model.Group) {
	reason := "already confirmed on-chain by a prior run"
	for _, e := range group.Entries {
		upd := store.LedgerUpdate{Status: model.LedgerConfirmed, FailureReason: &reason}
		if err := c.d.Store.UpdateLedgerEntry(ctx, e.TxHash, upd); err != nil {
			c.d.Logger.Error("finalize stale row", zap.String("tx", e.TxHash), zap.Error(err))
		}
		c.d.Dedup.MarkProcessed(e.TxHash)
	}
	c.d.Metrics.ConfirmOutcomes.WithLabelValues("STALE").Inc()
}

// rejectGroup applies a terminal business rejection to every row.
func (c *Confirmer) rejectGroup(ctx context.Context, group model.Group, status model.LedgerStatus, reason, confirmTx string) {
	for _, e := range group.Entries {
		upd := store.LedgerUpdate{Status: status, FailureReason: &reason}
		if confirmTx != "" {
			upd.ConfirmationTx = &confirmTx
		}
		if err := c.d.Store.UpdateLedgerEntry(ctx, e.TxHash, upd); err != nil {
			c.d.Logger.Error("reject row", zap.String("tx", e.TxHash), zap.Error(err))
		}
		c.d.Dedup.MarkProcessed(e.TxHash)
	}
	c.d.Metrics.ConfirmOutcomes.WithLabelValues(string(status)).Inc()
}

// condemnGroup applies the terminal invariant-violation status. A malformed
// custody word reproduces on every read, so the rows leave every retry path
// and wait for an operator.
func (c *Confirmer) condemnGroup(ctx context.Context, group model.Group, cause error, log *zap.Logger) {
	log.Error("custody invariant violated, condemning group", zap.Error(cause))
	reason := cause.Error()
	for _, e := range group.Entries {
		upd := store.LedgerUpdate{Status: model.LedgerInvariantViolation, FailureReason: &reason}
		if err := c.d.Store.UpdateLedgerEntry(ctx, e.TxHash, upd); err != nil {
			log.Error("mark row invariant violation", zap.String("tx", e.TxHash), zap.Error(err))
		}
		c.d.Dedup.MarkProcessed(e.TxHash)
	}
	c.d.Metrics.ConfirmOutcomes.WithLabelValues(string(model.LedgerInvariantViolation)).Inc()
}

// failGroup converts an unhandled pipeline error into ERROR rows. The hashes
// stay out of the debounce cache: ERROR is a retryable state and the caller
// owns the retry budget.
func (c *Confirmer) failGroup(ctx context.Context, group model.Group, cause error, log *zap.Logger) {
	log.Error("deposit group failed", zap.Error(cause))
	reason := cause.Error()
	for _, e := range group.Entries {
		upd := store.LedgerUpdate{Status: model.LedgerError, FailureReason: &reason}
		if err := c.d.Store.UpdateLedgerEntry(ctx, e.TxHash, upd); err != nil {
			log.Error("mark row error", zap.String("tx", e.TxHash), zap.Error(err))
		}
	}
	c.d.Metrics.ConfirmOutcomes.WithLabelValues(string(model.LedgerError)).Inc()

	if acctID := group.Entries[0].AccountID; acctID != "" {
		c.notifyPhase(ctx, acctID, notify.PhaseFailed, "", map[string]any{"reason": reason})
	}
}

// finalizeConfirmed writes the computed fields to every row in the group.
// The group is the unit of business atomicity: a partial write aborts with an
// error so the whole group is retried rather than left split.
func (c *Confirmer) finalizeConfirmed(ctx context.Context, group model.Group, acctID string, q quote, netUSD float64, points int64, txHash string) error {
	shares := distributePoints(group.Entries, points)
	for i, e := range group.Entries {
		credited := shares[i]
		remaining := shares[i]
		upd := store.LedgerUpdate{
			Status:          model.LedgerConfirmed,
			AccountID:       &acctID,
			PointsCredited:  &credited,
			PointsRemaining: &remaining,
			FundingRate:     &q.rate,
			GrossUSD:        &q.grossUSD,
			NetUSD:          &netUSD,
			ConfirmationTx:  &txHash,
		}
		if err := c.d.Store.UpdateLedgerEntry(ctx, e.TxHash, upd); err != nil {
			return fmt.Errorf("finalize row %s: %w", e.TxHash, err)
		}
	}
	for _, e := range group.Entries {
		c.d.Dedup.MarkProcessed(e.TxHash)
	}
	return nil
}

// routeReferral credits the owner of a chartered vault. Failure here is an
// operational gap reconciled manually; it never rolls back the deposit credit.
func (c *Confirmer) routeReferral(ctx context.Context, group model.Group, vaultAddr string, q quote, log *zap.Logger) {
	if vaultAddr == "" || model.NormalizeAddress(vaultAddr) == model.NormalizeAddress(c.d.Policy.DefaultVault) {
		return
	}
	vault, err := c.d.Store.FindReferralVaultByAddress(ctx, vaultAddr)
	if err != nil {
		log.Warn("referral vault lookup failed", zap.String("vault", vaultAddr), zap.Error(err))
		return
	}
	if vault.Status != model.VaultActive || vault.MasterAccountID == "" {
		return
	}

	rewardUSD := q.grossUSD * c.d.Policy.ReferralRewardRate
	retained := q.grossUSD - q.adjustedUSD
	if retained < 0 {
		retained = 0
	}
	if rewardUSD > retained {
		rewardUSD = retained
	}
	points := c.d.Policy.PointsForUSD(rewardUSD)
	if points == 0 {
		return
	}

	ref := group.Entries[0]
	entry := model.LedgerEntry{
		TxHash:          ref.TxHash + ":referral",
		BlockNumber:     ref.BlockNumber,
		VaultAddress:    vault.Address,
		Depositor:       vault.Owner,
		AccountID:       vault.MasterAccountID,
		TokenAddress:    group.Token,
		Amount:          big.NewInt(0),
		DepositType:     model.DepositTypeReferral,
		Status:          model.LedgerConfirmed,
		PointsCredited:  points,
		PointsRemaining: points,
		GrossUSD:        rewardUSD,
		NetUSD:          rewardUSD,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.d.Store.CreateLedgerEntry(ctx, entry); err != nil {
		log.Warn("create referral credit entry failed", zap.Error(err))
		return
	}
	if err := c.d.Accounts.CreditPoints(ctx, vault.MasterAccountID, points, rewardUSD, entry.TxHash); err != nil {
		log.Warn("referral payout failed, needs manual reconciliation",
			zap.String("vault", vault.Address), zap.Error(err))
		return
	}
	if err := c.d.Store.AddReferralVaultStats(ctx, vault.Address, store.VaultStats{
		Deposits:     int64(len(group.Entries)),
		GrossUSD:     q.grossUSD,
		RewardPoints: points,
	}); err != nil {
		log.Warn("update vault stats failed", zap.Error(err))
	}
}

func (c *Confirmer) notifyPhase(ctx context.Context, acctID, phase, txHash string, data map[string]any) {
	err := c.d.Notifier.Notify(ctx, acctID, notify.Event{
		Type:   "deposit_confirmation",
		Phase:  phase,
		TxHash: txHash,
		Data:   data,
		At:     time.Now().UTC(),
	})
	if err != nil {
		c.d.Logger.Debug("notification delivery failed", zap.String("account", acctID), zap.Error(err))
	}
}

func groupIsDonation(group model.Group) bool {
	for _, e := range group.Entries {
		if e.DepositType != model.DepositTypeDonation {
			return false
		}
	}
	return true
}
