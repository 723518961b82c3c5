package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"escrowledger/internal/accounts"
	"escrowledger/internal/store"
)

// LinkingDetector recognizes "magic amount" deposits: a deposit whose exact
// (token, amount) pair matches a pending wallet-linking request is a proof of
// wallet control, not a value transfer, and never reaches the ledger.
type LinkingDetector struct {
	store    store.Store
	accounts accounts.API
	logger   *zap.Logger
}

func NewLinkingDetector(st store.Store, api accounts.API, logger *zap.Logger) *LinkingDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkingDetector{store: st, accounts: api, logger: logger}
}

// HandleDeposit checks the deposit against pending linking requests. It
// reports handled=true when the deposit was consumed as a linking proof, in
// which case the caller skips ordinary ledger creation.
func (l *LinkingDetector) HandleDeposit(ctx context.Context, depositor, token string, amount *big.Int) (bool, error) {
	req, err := l.store.FindPendingLinkRequest(ctx, token, amount)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup link request: %w", err)
	}

	if err := l.accounts.LinkWallet(ctx, req.AccountID, depositor); err != nil {
		return false, fmt.Errorf("link wallet: %w", err)
	}
	if err := l.store.CompleteLinkRequest(ctx, req.ID, depositor); err != nil {
		return false, fmt.Errorf("complete link request: %w", err)
	}
	if err := l.accounts.IssueCredential(ctx, req.AccountID, depositor); err != nil {
		// Credential issuance is downstream of the link itself; the link
		// stands, issuance is retried manually.
		l.logger.Warn("credential issuance failed after linking",
			zap.String("account", req.AccountID),
			zap.String("wallet", depositor),
			zap.Error(err))
	}

	l.logger.Info("magic-amount deposit linked wallet",
		zap.String("account", req.AccountID),
		zap.String("wallet", depositor),
		zap.String("token", token),
		zap.String("amount", amount.String()))
	return true, nil
}
