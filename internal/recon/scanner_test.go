package recon

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowledger/internal/contract"
	"escrowledger/internal/model"
	"escrowledger/internal/store"
)

const (
	depositorHex = "0x1111111111111111111111111111111111111111"
	vaultHex     = "0x2222222222222222222222222222222222222222"
	tokenHex     = "0x3333333333333333333333333333333333333333"
)

var escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type fakeChain struct {
	latest uint64
	logs   []types.Log
	ranges [][2]uint64
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	f.ranges = append(f.ranges, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeConfirmer struct {
	groups []model.Group
	err    error
}

func (f *fakeConfirmer) ConfirmGroup(_ context.Context, group model.Group) error {
	f.groups = append(f.groups, group)
	return f.err
}

type fakeFinalizer struct {
	events []*contract.VaultCharteredEvent
}

func (f *fakeFinalizer) Finalize(_ context.Context, ev *contract.VaultCharteredEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type scannerFixture struct {
	chain     *fakeChain
	decoder   *contract.Decoder
	store     *store.Memory
	confirmer *fakeConfirmer
	vaults    *fakeFinalizer
	scanner   *Scanner
}

func newScannerFixture(t *testing.T, cfg Config) *scannerFixture {
	t.Helper()
	decoder, err := contract.NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	if cfg.Contract == (common.Address{}) {
		cfg.Contract = escrowAddr
	}
	f := &scannerFixture{
		chain:     &fakeChain{},
		decoder:   decoder,
		store:     store.NewMemory(),
		confirmer: &fakeConfirmer{},
		vaults:    &fakeFinalizer{},
	}
	f.scanner = NewScanner(cfg, f.chain, decoder, f.store, f.confirmer, f.vaults, nil, nil, nil)
	return f
}

func (f *scannerFixture) depositLog(txHash string, block uint64, amount int64) types.Log {
	return types.Log{
		Address:     escrowAddr,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Topics: []common.Hash{
			f.decoder.Topic0(contract.KindContribution),
			common.HexToHash(depositorHex),
			common.HexToHash(vaultHex),
			common.HexToHash(tokenHex),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func TestScanMissedEventsRecoversRows(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 10, BatchSize: 100})
	f.chain.latest = 50
	f.chain.logs = []types.Log{
		f.depositLog("0xa1", 20, 1000),
		f.depositLog("0xa2", 30, 500),
	}

	// One of the two is already recorded; only the other is recovered.
	if err := f.store.CreateLedgerEntry(context.Background(), model.LedgerEntry{
		TxHash: common.HexToHash("0xa1").Hex(), Depositor: depositorHex,
		TokenAddress: tokenHex, Amount: big.NewInt(1000),
		DepositType: model.DepositTypeToken, Status: model.LedgerPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := f.scanner.ScanMissedEvents(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	e, err := f.store.FindLedgerEntry(context.Background(), common.HexToHash("0xa2").Hex())
	if err != nil {
		t.Fatalf("recovered row: %v", err)
	}
	if e.Status != model.LedgerPending || e.Amount.Int64() != 500 {
		t.Fatalf("row = %+v", e)
	}

	checkpoint, ok, err := f.store.GetLastSyncedBlock(context.Background())
	if err != nil || !ok {
		t.Fatalf("checkpoint: %v, ok=%v", err, ok)
	}
	if checkpoint != 50 {
		t.Fatalf("checkpoint = %d, want 50", checkpoint)
	}
}

func TestScanResumesFromCheckpoint(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 10, BatchSize: 100})
	f.chain.latest = 80
	if err := f.store.SetLastSyncedBlock(context.Background(), 60); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}

	if _, err := f.scanner.ScanMissedEvents(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(f.chain.ranges) != 1 {
		t.Fatalf("ranges = %v", f.chain.ranges)
	}
	if got := f.chain.ranges[0]; got[0] != 61 || got[1] != 80 {
		t.Fatalf("range = %v, want [61 80]", got)
	}
}

func TestScanNothingPastHead(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 10, BatchSize: 100})
	f.chain.latest = 40
	if err := f.store.SetLastSyncedBlock(context.Background(), 40); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}

	n, err := f.scanner.ScanMissedEvents(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 || len(f.chain.ranges) != 0 {
		t.Fatalf("scan past head must be a no-op, got n=%d ranges=%v", n, f.chain.ranges)
	}
}

func TestScanFinalizesVaultEvents(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 1, BatchSize: 100})
	f.chain.latest = 10
	f.chain.logs = []types.Log{{
		Address:     escrowAddr,
		BlockNumber: 5,
		TxHash:      common.HexToHash("0xv1"),
		Topics: []common.Hash{
			f.decoder.Topic0(contract.KindVaultChartered),
			common.HexToHash(vaultHex),
			common.HexToHash(depositorHex),
		},
		Data: common.HexToHash("0xbeef").Bytes(),
	}}

	if _, err := f.scanner.ScanMissedEvents(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(f.vaults.events) != 1 {
		t.Fatalf("finalized = %d, want 1", len(f.vaults.events))
	}
}

func TestSweepStuckConfirmsOldGroups(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 1, StuckAge: time.Millisecond})

	seed := []model.LedgerEntry{
		{
			TxHash: "0xs1", Depositor: depositorHex, TokenAddress: tokenHex,
			Amount: big.NewInt(100), DepositType: model.DepositTypeToken,
			Status: model.LedgerError,
		},
		{
			TxHash: "0xs2", Depositor: depositorHex, TokenAddress: tokenHex,
			Amount: big.NewInt(200), DepositType: model.DepositTypeToken,
			Status: model.LedgerPending,
		},
		{
			// donations are excluded from the sweep
			TxHash: "0xs3", Depositor: depositorHex, TokenAddress: tokenHex,
			Amount: big.NewInt(300), DepositType: model.DepositTypeDonation,
			Status: model.LedgerPending,
		},
	}
	for _, e := range seed {
		if err := f.store.CreateLedgerEntry(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)

	done, err := f.scanner.SweepStuck(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if done != 1 {
		t.Fatalf("groups = %d, want 1", done)
	}
	if len(f.confirmer.groups) != 1 {
		t.Fatalf("confirm calls = %d", len(f.confirmer.groups))
	}
	if len(f.confirmer.groups[0].Entries) != 2 {
		t.Fatalf("group entries = %d, want 2 (donation excluded)", len(f.confirmer.groups[0].Entries))
	}
}

func TestProcessPendingConfirmsEachGroup(t *testing.T) {
	f := newScannerFixture(t, Config{DeploymentBlock: 1})
	other := "0x4444444444444444444444444444444444444444"

	seed := []model.LedgerEntry{
		{TxHash: "0xp1", Depositor: depositorHex, TokenAddress: tokenHex,
			Amount: big.NewInt(1), DepositType: model.DepositTypeToken, Status: model.LedgerPending},
		{TxHash: "0xp2", Depositor: other, TokenAddress: tokenHex,
			Amount: big.NewInt(2), DepositType: model.DepositTypeToken, Status: model.LedgerPending},
	}
	for _, e := range seed {
		if err := f.store.CreateLedgerEntry(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	done, err := f.scanner.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("process pending: %v", err)
	}
	if done != 2 {
		t.Fatalf("groups = %d, want 2", done)
	}
}
