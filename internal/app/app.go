// Package app is the composition root: it wires the stores, queue, chain
// client, and pipelines into one runnable service.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"escrowledger/internal/accounts"
	"escrowledger/internal/chain"
	"escrowledger/internal/config"
	"escrowledger/internal/contract"
	"escrowledger/internal/dedup"
	"escrowledger/internal/engine"
	"escrowledger/internal/grouplock"
	"escrowledger/internal/model"
	"escrowledger/internal/notify"
	"escrowledger/internal/observability"
	"escrowledger/internal/pricing"
	"escrowledger/internal/queue"
	"escrowledger/internal/recon"
	"escrowledger/internal/store"
	"escrowledger/internal/store/postgres"
	"escrowledger/internal/vault"
	"escrowledger/internal/webhook"
	"escrowledger/internal/worker"
)

// App owns every component of the running service.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	chainClient *chain.Client
	natsConn    *notify.NATS
	store       store.Store
	queue       queue.Queue

	scanner *recon.Scanner
	vaults  *vault.Manager
	worker  *worker.Worker
	server  *webhook.Server
}

// New builds the service from configuration. Without a postgres DSN the store
// and queue run in memory, which is only suitable for local development.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("contract address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		metrics:     metrics,
		chainClient: chainClient,
	}

	if cfg.PGDSN != "" {
		pgStore, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			chainClient.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.store = pgStore
		a.queue = queue.NewPostgres(pgStore.Pool(), cfg.MaxJobAttempts)
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store and queue")
		a.store = store.NewMemory()
		a.queue = queue.NewMemory(cfg.MaxJobAttempts)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATSURL != "" {
		natsConn, err := notify.NewNATS(cfg.NATSURL)
		if err != nil {
			a.closeClients()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.natsConn = natsConn
		notifier = natsConn
	}

	decoder, err := contract.NewDecoder()
	if err != nil {
		a.closeClients()
		return nil, err
	}
	calldata, err := contract.NewCalldata()
	if err != nil {
		a.closeClients()
		return nil, err
	}

	accountsAPI := accounts.NewClient(cfg.AccountsURL)
	pricingClient := pricing.NewClient(cfg.PricingURL)
	locks := grouplock.NewMemoryLocker()
	debounce := dedup.New(cfg.DedupTTL)

	policy := engine.Policy{
		Contract:           common.HexToAddress(cfg.ContractAddress),
		DefaultVault:       cfg.DefaultVault,
		NativeToken:        cfg.NativeToken,
		AdminAddress:       cfg.AdminAddress,
		USDPerPoint:        cfg.USDPerPoint,
		NativeMinUSD:       cfg.NativeMinUSD,
		NativeFloorRate:    cfg.NativeFloorRate,
		ReferralRewardRate: cfg.ReferralRewardRate,
	}

	confirmer := engine.NewConfirmer(engine.ConfirmerDeps{
		Policy:        policy,
		DepositRates:  pricing.Rates{Default: cfg.DepositRateDefault, PerToken: cfg.DepositRates},
		DonationRates: pricing.Rates{Default: cfg.DonationRateDefault, PerToken: cfg.DonationRates},
		Backend:       chainClient,
		Calldata:      calldata,
		Store:         a.store,
		Accounts:      accountsAPI,
		Price:         pricingClient,
		Risk:          pricingClient,
		Locks:         locks,
		Dedup:         debounce,
		Notifier:      notifier,
		Metrics:       metrics,
		Logger:        logger.Named("confirm"),
	})

	withdrawer := engine.NewWithdrawer(engine.WithdrawerDeps{
		Policy:   policy,
		Backend:  chainClient,
		Calldata: calldata,
		Store:    a.store,
		Accounts: accountsAPI,
		Price:    pricingClient,
		Risk:     pricingClient,
		Locks:    locks,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger.Named("withdraw"),
	})

	linking := engine.NewLinkingDetector(a.store, accountsAPI, logger.Named("linking"))

	initCodeHash := common.HexToHash(cfg.VaultInitCodeHash)
	a.vaults = vault.NewManager(vault.ManagerDeps{
		Contract:     policy.Contract,
		InitCodeHash: initCodeHash,
		Backend:      chainClient,
		Calldata:     calldata,
		Decoder:      decoder,
		Store:        a.store,
		Accounts:     accountsAPI,
		Miner:        &vault.RandomSaltMiner{Deployer: policy.Contract, InitCodeHash: initCodeHash},
		Locks:        locks,
		Notifier:     notifier,
		Logger:       logger.Named("vault"),
	})

	a.scanner = recon.NewScanner(
		recon.Config{
			Contract:        policy.Contract,
			DeploymentBlock: cfg.DeploymentBlock,
			BatchSize:       cfg.ScanBatchSize,
			MaxRetries:      cfg.MaxRetries,
			RetryBackoff:    cfg.RetryBackoff,
			StuckAge:        cfg.StuckAge,
		},
		chainClient,
		decoder,
		a.store,
		confirmer,
		a.vaults,
		linking,
		metrics,
		logger.Named("recon"),
	)

	router := webhook.NewRouter(webhook.RouterDeps{
		Decoder:    decoder,
		Store:      a.store,
		Confirmer:  confirmer,
		Withdrawer: withdrawer,
		Vaults:     a.vaults,
		Linking:    linking,
		RetryMax:   cfg.GroupRetryMax,
		Metrics:    metrics,
		Logger:     logger.Named("router"),
	})

	a.worker = worker.New(a.queue,
		func(ctx context.Context, job *model.QueuedJob) error {
			return router.HandlePayload(ctx, job.Payload)
		},
		worker.Options{
			LeaseTimeout: cfg.JobLeaseTimeout,
			Retention:    cfg.JobRetention,
		},
		metrics, logger.Named("worker"))

	a.server = webhook.NewServer(cfg.ListenAddr, a.queue, a.worker.TriggerProcessing,
		metrics, registry, logger.Named("webhook"))

	return a, nil
}

// Run executes the startup sequence and serves until ctx is cancelled. Every
// startup stage is independent: a failure is logged and the next stage runs,
// because refusing to start would also refuse the recovery the stages exist
// to perform.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	a.runStartupStages(ctx)

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	a.worker.TriggerProcessing()

	go a.reconcileLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("webhook server: %w", err)
		}
	}

	return a.shutdown()
}

// ReconcileOnce runs one reconciliation pass and releases every client. It
// backs the one-shot CLI mode; failures are returned, not just logged.
func (a *App) ReconcileOnce(ctx context.Context) error {
	defer a.closeClients()

	if _, err := a.scanner.ScanMissedEvents(ctx); err != nil {
		return fmt.Errorf("missed-event scan: %w", err)
	}
	if _, err := a.scanner.ProcessPending(ctx); err != nil {
		return fmt.Errorf("pending confirmation pass: %w", err)
	}
	if _, err := a.vaults.SweepStale(ctx, a.cfg.VaultTimeout); err != nil {
		return fmt.Errorf("stale vault sweep: %w", err)
	}
	if _, err := a.scanner.SweepStuck(ctx); err != nil {
		return fmt.Errorf("stuck deposit sweep: %w", err)
	}
	return nil
}

func (a *App) runStartupStages(ctx context.Context) {
	if n, err := a.scanner.ScanMissedEvents(ctx); err != nil {
		a.logger.Error("startup: missed-event scan failed", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("startup: recovered missed deposits", zap.Int("count", n))
	}

	if _, err := a.scanner.ProcessPending(ctx); err != nil {
		a.logger.Error("startup: pending confirmation pass failed", zap.Error(err))
	}

	if n, err := a.vaults.SweepStale(ctx, a.cfg.VaultTimeout); err != nil {
		a.logger.Error("startup: stale vault sweep failed", zap.Error(err))
	} else if n > 0 {
		a.logger.Warn("startup: failed stale vault deployments", zap.Int("count", n))
	}

	if _, err := a.scanner.SweepStuck(ctx); err != nil {
		a.logger.Error("startup: stuck deposit sweep failed", zap.Error(err))
	}
}

// reconcileLoop periodically re-runs the scans the startup sequence runs
// once. It exits with ctx and never keeps the process alive on its own.
func (a *App) reconcileLoop(ctx context.Context) {
	interval := a.cfg.ReconInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.scanner.ScanMissedEvents(ctx); err != nil {
				a.logger.Error("reconciliation: missed-event scan failed", zap.Error(err))
			}
			if _, err := a.scanner.SweepStuck(ctx); err != nil {
				a.logger.Error("reconciliation: stuck sweep failed", zap.Error(err))
			}
			if _, err := a.vaults.SweepStale(ctx, a.cfg.VaultTimeout); err != nil {
				a.logger.Error("reconciliation: stale vault sweep failed", zap.Error(err))
			}
		}
	}
}

func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown", zap.Error(err))
	}
	if err := a.worker.Stop(ctx); err != nil {
		a.logger.Error("worker stop", zap.Error(err))
	}
	a.closeClients()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeClients() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.chainClient != nil {
		a.chainClient.Close()
	}
	if pg, ok := a.store.(*postgres.Store); ok {
		pg.Pool().Close()
	}
}
