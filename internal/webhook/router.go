package webhook

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"escrowledger/internal/contract"
	"escrowledger/internal/model"
	"escrowledger/internal/observability"
	"escrowledger/internal/store"
)

// GroupRetryMax bounds how many times one payload retries a failing group.
// Beyond it the rows stay in ERROR for the stuck sweep.
const GroupRetryMax = 3

// GroupConfirmer runs the confirmation pipeline for one deposit group.
type GroupConfirmer interface {
	ConfirmGroup(ctx context.Context, group model.Group) error
}

// WithdrawalProcessor executes one withdrawal request end to end.
type WithdrawalProcessor interface {
	Process(ctx context.Context, txHash string) error
}

// VaultFinalizer settles a vault deployment against its on-chain event.
type VaultFinalizer interface {
	Finalize(ctx context.Context, ev *contract.VaultCharteredEvent) error
}

// LinkHandler intercepts magic-amount linking deposits.
type LinkHandler interface {
	HandleDeposit(ctx context.Context, depositor, token string, amount *big.Int) (bool, error)
}

// RouterDeps wires a Router.
type RouterDeps struct {
	Decoder    *contract.Decoder
	Store      store.Store
	Confirmer  GroupConfirmer
	Withdrawer WithdrawalProcessor
	Vaults     VaultFinalizer
	Linking    LinkHandler
	RetryMax   int
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Router turns one queued webhook payload into pipeline work. Logs are
// isolated from each other: one bad log never blocks its siblings.
type Router struct {
	d RouterDeps
}

func NewRouter(deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNop()
	}
	if deps.RetryMax <= 0 {
		deps.RetryMax = GroupRetryMax
	}
	return &Router{d: deps}
}

// HandlePayload processes one raw payload body from the job queue. The
// returned error means the payload as a whole could not be worked (malformed
// after passing ingress, or a dispatch failure worth a queue retry).
func (r *Router) HandlePayload(ctx context.Context, body []byte) error {
	raws, err := ParsePayload(body)
	if err != nil {
		// Ingress validated the shape once already; a failure here is a
		// poisoned job, not a transient fault, so it is not retried.
		r.d.Logger.Error("queued payload no longer parses", zap.Error(err))
		return nil
	}

	touched := make(map[string]model.Group)
	for _, raw := range raws {
		if err := r.dispatchLog(ctx, raw, touched); err != nil {
			r.d.Logger.Error("log dispatch failed",
				zap.String("tx", raw.TxHash),
				zap.Uint64("log_index", raw.LogIndex),
				zap.Error(err))
		}
	}

	for _, group := range touched {
		r.confirmWithRetry(ctx, group)
	}
	return nil
}

func (r *Router) dispatchLog(ctx context.Context, raw contract.RawLog, touched map[string]model.Group) error {
	kind, known := r.d.Decoder.Kind(raw.Topics[0])
	if !known {
		return nil
	}
	r.d.Metrics.LogsDispatched.WithLabelValues(string(kind)).Inc()

	switch kind {
	case contract.KindContribution, contract.KindDonation:
		ev, err := r.d.Decoder.DecodeDeposit(raw, kind)
		if err != nil {
			return err
		}
		return r.handleDeposit(ctx, ev, touched)
	case contract.KindRescission:
		ev, err := r.d.Decoder.DecodeRescission(raw)
		if err != nil {
			return err
		}
		return r.handleRescission(ctx, ev)
	case contract.KindVaultChartered:
		ev, err := r.d.Decoder.DecodeVaultChartered(raw)
		if err != nil {
			return err
		}
		return r.d.Vaults.Finalize(ctx, ev)
	}
	return nil
}

// handleDeposit records the deposit and marks its group for confirmation.
// Replays of an already-recorded tx hash are dropped here.
func (r *Router) handleDeposit(ctx context.Context, ev *contract.DepositEvent, touched map[string]model.Group) error {
	exists, err := r.d.Store.LedgerEntryExists(ctx, ev.TxHash)
	if err != nil {
		return err
	}
	if exists {
		r.d.Logger.Debug("duplicate deposit event dropped", zap.String("tx", ev.TxHash))
		return nil
	}

	if !ev.Donation && r.d.Linking != nil {
		handled, err := r.d.Linking.HandleDeposit(ctx, ev.Depositor, ev.Token, ev.Amount)
		if err != nil {
			return err
		}
		if handled {
			return nil
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
	if err := r.d.Store.CreateLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}

	key := model.GroupKey(entry.Depositor, entry.TokenAddress)
	group := touched[key]
	group.Depositor = entry.Depositor
	group.Token = entry.TokenAddress
	group.Entries = append(group.Entries, entry)
	touched[key] = group
	return nil
}

// handleRescission records the withdrawal request and processes it inline.
// The request row is keyed by the rescission tx hash, so a replayed event is
// a no-op create followed by an idempotent process call.
func (r *Router) handleRescission(ctx context.Context, ev *contract.RescissionEvent) error {
	now := time.Now().UTC()
	req := model.WithdrawalRequest{
		TxHash:       model.NormalizeHash(ev.TxHash),
		User:         model.NormalizeAddress(ev.User),
		TokenAddress: model.NormalizeAddress(ev.Token),
		VaultAddress: model.NormalizeAddress(ev.Vault),
		Amount:       ev.Amount,
		Status:       model.WithdrawalPending,
		Admin:        ev.Admin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.d.Store.CreateWithdrawalRequest(ctx, req); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return r.d.Withdrawer.Process(ctx, req.TxHash)
}

// confirmWithRetry runs the group through the confirmation engine, retrying
// transient failures up to the per-payload budget. The group's rows expand to
// whatever is processable at confirmation time, not just this payload's logs.
func (r *Router) confirmWithRetry(ctx context.Context, group model.Group) {
	for attempt := 1; attempt <= r.d.RetryMax; attempt++ {
		entries, err := r.d.Store.FindGroupEntries(ctx, group.Depositor, group.Token)
		if err != nil {
			r.d.Logger.Error("load group entries", zap.String("depositor", group.Depositor), zap.Error(err))
			return
		}
		if len(entries) == 0 {
			return
		}
		group.Entries = entries

		err = r.d.Confirmer.ConfirmGroup(ctx, group)
		if err == nil {
			return
		}
		r.d.Logger.Warn("group confirmation attempt failed",
			zap.String("depositor", group.Depositor),
			zap.String("token", group.Token),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			return
		}
	}
	// Rows are already in ERROR; the stuck sweep owns them from here.
	r.d.Logger.Error("group confirmation retry budget exhausted",
		zap.String("depositor", group.Depositor),
		zap.String("token", group.Token))
}
