package engine

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"go.uber.org/zap"

	"escrowledger/internal/accounts"
	"escrowledger/internal/contract"
	"escrowledger/internal/grouplock"
	"escrowledger/internal/model"
	"escrowledger/internal/notify"
	"escrowledger/internal/observability"
	"escrowledger/internal/pricing"
	"escrowledger/internal/store"
)

// WithdrawerDeps wires a Withdrawer.
type WithdrawerDeps struct {
	Policy   Policy
	Backend  ChainBackend
	Calldata *contract.Calldata
	Store    store.Store
	Accounts accounts.API
	Price    pricing.PriceFeed
	Risk     pricing.RiskAssessor
	Locks    grouplock.Locker
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Withdrawer executes ordinary withdrawals (fee-deducted remittance) and
// privileged admin withdrawals (cross-vault seizure, sweep, and remittance in
// one atomic multicall).
type Withdrawer struct {
	d WithdrawerDeps
}

func NewWithdrawer(deps WithdrawerDeps) *Withdrawer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNop()
	}
	return &Withdrawer{d: deps}
}

// Process executes the withdrawal requested by the given rescission tx hash.
func (w *Withdrawer) Process(ctx context.Context, txHash string) error {
	req, err := w.d.Store.FindWithdrawalRequestByTxHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("load withdrawal request: %w", err)
	}
	if req.Status != model.WithdrawalPending {
		return nil
	}

	release, err := w.d.Locks.Acquire(ctx, grouplock.WithdrawKey(req.User, req.TokenAddress))
	if err != nil {
		return err
	}
	defer release()

	// Double-check under the lock: the status may have moved while waiting.
	req, err = w.d.Store.FindWithdrawalRequestByTxHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("reload withdrawal request: %w", err)
	}
	if req.Status != model.WithdrawalPending {
		return nil
	}

	log := w.d.Logger.With(
		zap.String("request_tx", req.TxHash),
		zap.String("user", req.User),
		zap.String("token", req.TokenAddress),
		zap.Bool("admin", req.Admin),
	)

	var procErr error
	if req.Admin {
		procErr = w.adminWithdraw(ctx, req, log)
	} else {
		procErr = w.ordinaryWithdraw(ctx, req, log)
	}
	if procErr != nil {
		w.markError(ctx, req.TxHash, procErr, log)
		return procErr
	}
	return nil
}

func (w *Withdrawer) ordinaryWithdraw(ctx context.Context, req *model.WithdrawalRequest, log *zap.Logger) error {
	verdict, err := w.d.Risk.Assess(ctx, req.TokenAddress)
	if err != nil {
		return fmt.Errorf("risk assessment: %w", err)
	}
	if !verdict.Safe {
		w.reject(ctx, req.TxHash, model.WithdrawalFailed, verdict.Reason, log)
		return nil
	}

	valueUSD, err := w.d.Price.ValueUSD(ctx, req.TokenAddress, req.Amount)
	if err != nil {
		return fmt.Errorf("price collateral: %w", err)
	}

	remitData, err := w.d.Calldata.Remit(req.User, req.TokenAddress, req.Amount)
	if err != nil {
		return fmt.Errorf("pack remit: %w", err)
	}
	gasWei, err := estimateGasWei(ctx, w.d.Backend, w.d.Policy.Contract, remitData)
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}
	gasUSD, err := w.d.Price.NativeValueUSD(ctx, gasWei)
	if err != nil {
		return fmt.Errorf("price gas: %w", err)
	}
	if gasUSD >= valueUSD {
		w.reject(ctx, req.TxHash, model.WithdrawalRejectedUnprofitable,
			fmt.Sprintf("estimated gas $%.4f >= collateral value $%.4f", gasUSD, valueUSD), log)
		return nil
	}

	fee, err := w.d.Price.AmountForUSD(ctx, req.TokenAddress, gasUSD)
	if err != nil {
		return fmt.Errorf("convert fee: %w", err)
	}
	if fee.Cmp(req.Amount) >= 0 {
		w.reject(ctx, req.TxHash, model.WithdrawalRejectedUnprofitable, "fees exceed collateral", log)
		return nil
	}
	net := new(big.Int).Sub(req.Amount, fee)

	remitData, err = w.d.Calldata.Remit(req.User, req.TokenAddress, net)
	if err != nil {
		return fmt.Errorf("pack remit: %w", err)
	}
	tx, err := w.d.Backend.Transact(ctx, w.d.Policy.Contract, remitData)
	if err != nil {
		return fmt.Errorf("submit remit: %w", err)
	}
	receipt, err := w.d.Backend.WaitMined(ctx, tx)
	if err != nil {
		return fmt.Errorf("wait remit: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("remit tx %s reverted", tx.Hash().Hex())
	}

	withdrawalTx := tx.Hash().Hex()
	err = w.d.Store.UpdateWithdrawalRequest(ctx, req.TxHash, store.WithdrawalUpdate{
		Status:       model.WithdrawalCompleted,
		WithdrawalTx: &withdrawalTx,
		Fee:          fee,
	})
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}

	w.consumePoints(ctx, req.User, valueUSD, log)

	w.d.Metrics.WithdrawOutcomes.WithLabelValues(string(model.WithdrawalCompleted)).Inc()
	log.Info("withdrawal completed",
		zap.String("withdrawal_tx", withdrawalTx),
		zap.String("net", net.String()),
		zap.String("fee", fee.String()))
	return nil
}

// consumePoints lowers points_remaining on the user's active deposits to
// reflect collateral that just left escrow, oldest deposit first. The remit
// already succeeded on-chain, so bookkeeping failures are logged, never fatal.
func (w *Withdrawer) consumePoints(ctx context.Context, user string, valueUSD float64, log *zap.Logger) {
	if w.d.Accounts == nil {
		return
	}
	points := w.d.Policy.PointsForUSD(valueUSD)
	if points <= 0 {
		return
	}
	acct, err := w.d.Accounts.ResolveByWallet(ctx, user)
	if err != nil {
		log.Warn("resolve account for point consumption", zap.Error(err))
		return
	}
	rows, err := w.d.Store.FindActiveDepositsForAccount(ctx, acct.ID)
	if err != nil {
		log.Warn("load active deposits", zap.Error(err))
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	remaining := points
	for _, e := range rows {
		if remaining <= 0 {
			break
		}
		take := e.PointsRemaining
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		if err := w.d.Store.DeductPoints(ctx, e.TxHash, take); err != nil {
			log.Warn("deduct points", zap.String("deposit_tx", e.TxHash), zap.Error(err))
			continue
		}
		remaining -= take
	}
	if remaining > 0 {
		log.Warn("withdrawal exceeds credited points on active deposits",
			zap.Int64("uncovered_points", remaining))
	}
}

// seizure is one batched seize call: the ledger-implied protocol claim for a
// depositor within one vault, capped at the on-chain user-owned balance.
type seizure struct {
	holder string
	vault  string
	amount *big.Int
}

func (w *Withdrawer) adminWithdraw(ctx context.Context, req *model.WithdrawalRequest, log *zap.Logger) error {
	token := req.TokenAddress

	seizures, err := w.collectSeizures(ctx, token)
	if err != nil {
		return err
	}

	var calls [][]byte
	seizureTotal := big.NewInt(0)
	vaultsTouched := make(map[string]struct{})
	for _, s := range seizures {
		data, err := w.d.Calldata.Seize(s.holder, s.vault, token, s.amount)
		if err != nil {
			return fmt.Errorf("pack seize: %w", err)
		}
		calls = append(calls, data)
		seizureTotal.Add(seizureTotal, s.amount)
		if model.NormalizeAddress(s.vault) != model.NormalizeAddress(w.d.Policy.DefaultVault) {
			vaultsTouched[model.NormalizeAddress(s.vault)] = struct{}{}
		}
	}

	// Sweep every chartered vault touched: its accumulated protocol-fee
	// bucket moves into the default vault alongside the seizures.
	sweptTotal := big.NewInt(0)
	vaults := make([]string, 0, len(vaultsTouched))
	for v := range vaultsTouched {
		vaults = append(vaults, v)
	}
	sort.Strings(vaults)
	for _, v := range vaults {
		balances, err := readCustody(ctx, w.d.Backend, w.d.Calldata, w.d.Policy.Contract, v, token)
		if err != nil {
			return fmt.Errorf("read vault escrow %s: %w", v, err)
		}
		sweptTotal.Add(sweptTotal, balances.Escrow)
		data, err := w.d.Calldata.SweepFees(v, token)
		if err != nil {
			return fmt.Errorf("pack sweep: %w", err)
		}
		calls = append(calls, data)
	}

	defaultBalances, err := readCustody(ctx, w.d.Backend, w.d.Calldata, w.d.Policy.Contract, w.d.Policy.DefaultVault, token)
	if err != nil {
		return fmt.Errorf("read default vault escrow: %w", err)
	}
	existingEscrow := defaultBalances.Escrow

	total := new(big.Int).Set(existingEscrow)
	total.Add(total, seizureTotal)
	total.Add(total, sweptTotal)
	if total.Sign() == 0 {
		w.reject(ctx, req.TxHash, model.WithdrawalFailed, "nothing to seize or remit", log)
		return nil
	}

	allocData, err := w.d.Calldata.Allocate(token, total)
	if err != nil {
		return fmt.Errorf("pack allocate: %w", err)
	}
	remitData, err := w.d.Calldata.Remit(w.d.Policy.AdminAddress, token, total)
	if err != nil {
		return fmt.Errorf("pack remit: %w", err)
	}
	calls = append(calls, allocData, remitData)

	// One atomic multicall: partial seizure is not an acceptable outcome.
	batch, err := w.d.Calldata.Multicall(calls)
	if err != nil {
		return fmt.Errorf("pack multicall: %w", err)
	}
	tx, err := w.d.Backend.Transact(ctx, w.d.Policy.Contract, batch)
	if err != nil {
		return fmt.Errorf("submit admin multicall: %w", err)
	}
	receipt, err := w.d.Backend.WaitMined(ctx, tx)
	if err != nil {
		return fmt.Errorf("wait admin multicall: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("admin multicall %s reverted", tx.Hash().Hex())
	}

	withdrawalTx := tx.Hash().Hex()
	seizureCount := len(seizures)
	err = w.d.Store.UpdateWithdrawalRequest(ctx, req.TxHash, store.WithdrawalUpdate{
		Status:         model.WithdrawalCompleted,
		WithdrawalTx:   &withdrawalTx,
		SeizureCount:   &seizureCount,
		SeizureAmount:  seizureTotal,
		ExistingEscrow: existingEscrow,
	})
	if err != nil {
		return fmt.Errorf("finalize admin request: %w", err)
	}

	w.d.Metrics.WithdrawOutcomes.WithLabelValues(string(model.WithdrawalCompleted)).Inc()
	log.Info("admin withdrawal completed",
		zap.String("withdrawal_tx", withdrawalTx),
		zap.Int("seizures", seizureCount),
		zap.String("seizure_total", seizureTotal.String()),
		zap.String("swept_total", sweptTotal.String()),
		zap.String("existing_escrow", existingEscrow.String()),
		zap.String("remitted", total.String()))
	return nil
}

// collectSeizures computes the ledger-implied protocol claim per depositor
// per vault: the consumed fraction of each confirmed deposit, capped at the
// holder's actual on-chain user-owned balance so the batch never seizes more
// than exists.
func (w *Withdrawer) collectSeizures(ctx context.Context, token string) ([]seizure, error) {
	rows, err := w.d.Store.FindConsumedEntries(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("find consumed entries: %w", err)
	}

	type key struct{ holder, vault string }
	claims := make(map[key]*big.Int)
	order := make([]key, 0)
	for _, e := range rows {
		if e.PointsCredited <= 0 || e.Amount == nil || e.Amount.Sign() <= 0 {
			continue
		}
		consumed := e.PointsCredited - e.PointsRemaining
		if consumed <= 0 {
			continue
		}
		// claim = amount * consumed / credited
		claim := new(big.Int).Mul(e.Amount, big.NewInt(consumed))
		claim.Quo(claim, big.NewInt(e.PointsCredited))
		if claim.Sign() <= 0 {
			continue
		}
		k := key{holder: model.NormalizeAddress(e.Depositor), vault: model.NormalizeAddress(e.VaultAddress)}
		if _, ok := claims[k]; !ok {
			claims[k] = big.NewInt(0)
			order = append(order, k)
		}
		claims[k].Add(claims[k], claim)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].holder != order[j].holder {
			return order[i].holder < order[j].holder
		}
		return order[i].vault < order[j].vault
	})

	// Cap per holder at the on-chain user-owned balance, spending the
	// capacity across that holder's vaults in order.
	capacity := make(map[string]*big.Int)
	var out []seizure
	for _, k := range order {
		remaining, ok := capacity[k.holder]
		if !ok {
			balances, err := readCustody(ctx, w.d.Backend, w.d.Calldata, w.d.Policy.Contract, k.holder, token)
			if err != nil {
				return nil, fmt.Errorf("read custody for %s: %w", k.holder, err)
			}
			remaining = new(big.Int).Set(balances.UserOwned)
			capacity[k.holder] = remaining
		}
		claim := claims[k]
		if claim.Cmp(remaining) > 0 {
			claim = new(big.Int).Set(remaining)
		}
		if claim.Sign() <= 0 {
			continue
		}
		remaining.Sub(remaining, claim)
		out = append(out, seizure{holder: k.holder, vault: k.vault, amount: claim})
	}
	return out, nil
}

func (w *Withdrawer) reject(ctx context.Context, txHash string, status model.WithdrawalStatus, reason string, log *zap.Logger) {
	err := w.d.Store.UpdateWithdrawalRequest(ctx, txHash, store.WithdrawalUpdate{
		Status:        status,
		FailureReason: &reason,
	})
	if err != nil {
		log.Error("mark withdrawal rejected", zap.Error(err))
	}
	w.d.Metrics.WithdrawOutcomes.WithLabelValues(string(status)).Inc()
	log.Info("withdrawal rejected", zap.String("status", string(status)), zap.String("reason", reason))
}

func (w *Withdrawer) markError(ctx context.Context, txHash string, cause error, log *zap.Logger) {
	reason := cause.Error()
	err := w.d.Store.UpdateWithdrawalRequest(ctx, txHash, store.WithdrawalUpdate{
		Status:        model.WithdrawalError,
		FailureReason: &reason,
	})
	if err != nil {
		log.Error("mark withdrawal error", zap.Error(err))
	}
	w.d.Metrics.WithdrawOutcomes.WithLabelValues(string(model.WithdrawalError)).Inc()
}
