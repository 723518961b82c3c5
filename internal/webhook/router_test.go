package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"escrowledger/internal/contract"
	"escrowledger/internal/model"
	"escrowledger/internal/store"
)

const (
	depositorHex = "0x1111111111111111111111111111111111111111"
	vaultHex     = "0x2222222222222222222222222222222222222222"
	tokenHex     = "0x3333333333333333333333333333333333333333"
)

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []model.Group
	err   error
}

func (f *fakeConfirmer) ConfirmGroup(_ context.Context, group model.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, group)
	return f.err
}

func (f *fakeConfirmer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWithdrawer struct {
	calls []string
}

func (f *fakeWithdrawer) Process(_ context.Context, txHash string) error {
	f.calls = append(f.calls, txHash)
	return nil
}

type fakeVaultFinalizer struct {
	events []*contract.VaultCharteredEvent
}

func (f *fakeVaultFinalizer) Finalize(_ context.Context, ev *contract.VaultCharteredEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeLinking struct {
	magicAmount *big.Int
	linked      int
}

func (f *fakeLinking) HandleDeposit(_ context.Context, _, _ string, amount *big.Int) (bool, error) {
	if f.magicAmount != nil && amount.Cmp(f.magicAmount) == 0 {
		f.linked++
		return true, nil
	}
	return false, nil
}

type routerFixture struct {
	decoder    *contract.Decoder
	store      *store.Memory
	confirmer  *fakeConfirmer
	withdrawer *fakeWithdrawer
	vaults     *fakeVaultFinalizer
	linking    *fakeLinking
	router     *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	decoder, err := contract.NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	f := &routerFixture{
		decoder:    decoder,
		store:      store.NewMemory(),
		confirmer:  &fakeConfirmer{},
		withdrawer: &fakeWithdrawer{},
		vaults:     &fakeVaultFinalizer{},
		linking:    &fakeLinking{},
	}
	f.router = NewRouter(RouterDeps{
		Decoder:    decoder,
		Store:      f.store,
		Confirmer:  f.confirmer,
		Withdrawer: f.withdrawer,
		Vaults:     f.vaults,
		Linking:    f.linking,
	})
	return f
}

func addressTopic(addr string) string {
	return common.HexToHash(addr).Hex()
}

func uint256Data(v *big.Int) string {
	return hexutil.Encode(common.LeftPadBytes(v.Bytes(), 32))
}

func (f *routerFixture) payload(logs ...map[string]any) []byte {
	body := map[string]any{
		"type": PayloadType,
		"event": map[string]any{
			"data": map[string]any{
				"block": map[string]any{
					"number": 500,
					"logs":   logs,
				},
			},
		},
	}
	data, _ := json.Marshal(body)
	return data
}

func (f *routerFixture) depositLog(txHash string, amount int64) map[string]any {
	return map[string]any{
		"transaction": map[string]any{"hash": txHash},
		"topics": []string{
			f.decoder.Topic0(contract.KindContribution).Hex(),
			addressTopic(depositorHex),
			addressTopic(vaultHex),
			addressTopic(tokenHex),
		},
		"data":  uint256Data(big.NewInt(amount)),
		"index": 0,
	}
}

func TestHandlePayloadRecordsDepositAndConfirms(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandlePayload(context.Background(), f.payload(f.depositLog("0xd001", 1000)))
	if err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}

	e, err := f.store.FindLedgerEntry(context.Background(), "0xd001")
	if err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	if e.Status != model.LedgerPending {
		t.Fatalf("status = %s, want PENDING", e.Status)
	}
	if e.Amount.Int64() != 1000 {
		t.Fatalf("amount = %s", e.Amount)
	}
	if f.confirmer.callCount() != 1 {
		t.Fatalf("confirm calls = %d, want 1", f.confirmer.callCount())
	}
	group := f.confirmer.calls[0]
	if group.Depositor != depositorHex || group.Token != tokenHex {
		t.Fatalf("group = %+v", group)
	}
	if len(group.Entries) != 1 {
		t.Fatalf("group entries = %d", len(group.Entries))
	}
}

// A replayed payload is fully idempotent: no second row, no second
// confirmation attempt.
func TestHandlePayloadReplayIsIdempotent(t *testing.T) {
	f := newRouterFixture(t)
	body := f.payload(f.depositLog("0xd002", 1000))

	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("replay: %v", err)
	}

	rows, err := f.store.FindProcessableEntries(context.Background())
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if f.confirmer.callCount() != 1 {
		t.Fatalf("confirm calls = %d, want 1", f.confirmer.callCount())
	}
}

// Two deposits from one depositor in one payload confirm as a single group.
func TestHandlePayloadBatchesGroup(t *testing.T) {
	f := newRouterFixture(t)
	body := f.payload(
		f.depositLog("0xd003", 600),
		f.depositLog("0xd004", 400),
	)

	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if f.confirmer.callCount() != 1 {
		t.Fatalf("confirm calls = %d, want 1 for the whole group", f.confirmer.callCount())
	}
	if len(f.confirmer.calls[0].Entries) != 2 {
		t.Fatalf("group entries = %d, want 2", len(f.confirmer.calls[0].Entries))
	}
}

// Transient confirmation failures are retried up to the budget, then left to
// the stuck sweep.
func TestHandlePayloadRetriesFailingGroup(t *testing.T) {
	f := newRouterFixture(t)
	f.confirmer.err = fmt.Errorf("rpc flake")

	if err := f.router.HandlePayload(context.Background(), f.payload(f.depositLog("0xd005", 1000))); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if f.confirmer.callCount() != GroupRetryMax {
		t.Fatalf("confirm calls = %d, want %d", f.confirmer.callCount(), GroupRetryMax)
	}
}

// A magic-amount deposit is consumed by the linking flow and never becomes a
// ledger row.
func TestHandlePayloadMagicAmountLinks(t *testing.T) {
	f := newRouterFixture(t)
	f.linking.magicAmount = big.NewInt(424242)

	if err := f.router.HandlePayload(context.Background(), f.payload(f.depositLog("0xd006", 424242))); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if f.linking.linked != 1 {
		t.Fatalf("linked = %d, want 1", f.linking.linked)
	}
	exists, err := f.store.LedgerEntryExists(context.Background(), "0xd006")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("magic-amount deposit must not reach the ledger")
	}
	if f.confirmer.callCount() != 0 {
		t.Fatalf("confirm calls = %d, want 0", f.confirmer.callCount())
	}
}

func TestHandlePayloadRoutesRescission(t *testing.T) {
	f := newRouterFixture(t)
	// amount=99, admin=false
	data := uint256Data(big.NewInt(99)) + common.HexToHash("0x00").Hex()[2:]
	body := f.payload(map[string]any{
		"transaction": map[string]any{"hash": "0xw100"},
		"topics": []string{
			f.decoder.Topic0(contract.KindRescission).Hex(),
			addressTopic(depositorHex),
			addressTopic(tokenHex),
			addressTopic(vaultHex),
		},
		"data":  data,
		"index": 0,
	})

	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}

	req, err := f.store.FindWithdrawalRequestByTxHash(context.Background(), "0xw100")
	if err != nil {
		t.Fatalf("request row: %v", err)
	}
	if req.Status != model.WithdrawalPending || req.Amount.Int64() != 99 {
		t.Fatalf("request = %+v", req)
	}
	if len(f.withdrawer.calls) != 1 || f.withdrawer.calls[0] != "0xw100" {
		t.Fatalf("withdrawer calls = %v", f.withdrawer.calls)
	}
}

func TestHandlePayloadRoutesVaultChartered(t *testing.T) {
	f := newRouterFixture(t)
	body := f.payload(map[string]any{
		"transaction": map[string]any{"hash": "0xv100"},
		"topics": []string{
			f.decoder.Topic0(contract.KindVaultChartered).Hex(),
			addressTopic(vaultHex),
			addressTopic(depositorHex),
		},
		"data":  common.HexToHash("0xbeef").Hex(),
		"index": 0,
	})

	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if len(f.vaults.events) != 1 {
		t.Fatalf("finalize calls = %d, want 1", len(f.vaults.events))
	}
	if f.vaults.events[0].Vault != vaultHex {
		t.Fatalf("vault = %s", f.vaults.events[0].Vault)
	}
}

// Unknown topics are ignored without failing the payload.
func TestHandlePayloadSkipsForeignLogs(t *testing.T) {
	f := newRouterFixture(t)
	body := f.payload(map[string]any{
		"transaction": map[string]any{"hash": "0xf100"},
		"topics":      []string{"0x" + "00" + "11223344556677889900112233445566778899001122334455667788990011"},
		"data":        "0x",
		"index":       0,
	})

	if err := f.router.HandlePayload(context.Background(), body); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if f.confirmer.callCount() != 0 || len(f.withdrawer.calls) != 0 {
		t.Fatalf("foreign log must be a no-op")
	}
}
