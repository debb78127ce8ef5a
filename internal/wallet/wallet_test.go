package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/hub"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

const (
	testParty = "0x1111111111111111111111111111111111111111"
	testHub   = "0x2222222222222222222222222222222222222222"
)

type fakeSigner struct{}

func (fakeSigner) Address() (string, error)     { return testParty, nil }
func (fakeSigner) Sign(m []byte) ([]byte, error) { return []byte{0xde, 0xad, 0xbe, 0xef}, nil }

type fakeHub struct {
	mu sync.Mutex

	ledger  *models.LedgerChannel
	threads map[string]*models.VirtualChannel

	rate      models.ExchangeRate
	loadLimit currency.Amount
	closeErr  error

	nextThreadID int

	openChannelCalls []currency.Amount
	depositCalls     []currency.Amount
	openThreadCalls  []hub.ThreadDeposit
	closedThreads    [][]string
	updateBatches    [][]models.BalanceUpdate

	depositHook func()
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		threads:   make(map[string]*models.VirtualChannel),
		rate:      models.ExchangeRate{TokenUnits: currency.FromInt64(1), EthUnits: currency.FromInt64(1)},
		loadLimit: currency.FromInt64(1_000_000),
	}
}

func (f *fakeHub) setLedger(eth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledger = &models.LedgerChannel{
		ChannelID:   "lc-1",
		PartyA:      testParty,
		PartyI:      testHub,
		EthBalanceA: currency.FromInt64(eth),
		Status:      models.ChannelOpen,
	}
}

func (f *fakeHub) GetChannelByPartyA(ctx context.Context) (*models.LedgerChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledger == nil {
		return nil, nil
	}
	cp := *f.ledger
	return &cp, nil
}

func (f *fakeHub) OpenChannel(ctx context.Context, deposit currency.Amount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openChannelCalls = append(f.openChannelCalls, deposit)
	f.ledger = &models.LedgerChannel{
		ChannelID:   "lc-1",
		PartyA:      testParty,
		PartyI:      testHub,
		EthBalanceA: deposit,
		Status:      models.ChannelOpen,
	}
	return f.ledger.ChannelID, nil
}

func (f *fakeHub) Deposit(ctx context.Context, channelID string, amount currency.Amount) error {
	if f.depositHook != nil {
		f.depositHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositCalls = append(f.depositCalls, amount)
	f.ledger.EthBalanceA = f.ledger.EthBalanceA.Add(amount)
	return nil
}

func (f *fakeHub) RequestHubDeposit(ctx context.Context, channelID string, amount currency.Amount) error {
	return nil
}

func (f *fakeHub) OpenThread(ctx context.Context, to string, deposit hub.ThreadDeposit) (*models.VirtualChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openThreadCalls = append(f.openThreadCalls, deposit)
	f.nextThreadID++
	t := &models.VirtualChannel{
		ChannelID:   fmt.Sprintf("vc-%d", f.nextThreadID),
		PartyA:      testParty,
		PartyB:      to,
		PartyI:      testHub,
		EthBalanceA: deposit.Eth,
		Status:      models.ChannelOpen,
	}
	f.threads[t.ChannelID] = t
	f.ledger.EthBalanceA = f.ledger.EthBalanceA.Sub(deposit.Eth)
	return t, nil
}

func (f *fakeHub) GetThreadByID(ctx context.Context, threadID string) (*models.VirtualChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeHub) CloseThreads(ctx context.Context, threadIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedThreads = append(f.closedThreads, threadIDs)
	for _, id := range threadIDs {
		if t, ok := f.threads[id]; ok && t.Status == models.ChannelOpen {
			t.Status = models.ChannelClosed
			f.ledger.EthBalanceA = f.ledger.EthBalanceA.Add(t.EthBalanceA)
		}
	}
	return nil
}

func (f *fakeHub) CloseChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledger.Status = models.ChannelClosed
	return f.closeErr
}

func (f *fakeHub) UpdateBalances(ctx context.Context, updates []models.BalanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]models.BalanceUpdate, len(updates))
	copy(batch, updates)
	f.updateBatches = append(f.updateBatches, batch)
	for _, u := range updates {
		switch u.Kind {
		case models.UpdateLedger:
			f.ledger.Nonce = u.Nonce
			f.ledger.EthBalanceA = u.EthBalanceA
			f.ledger.TokenBalanceA = u.TokenBalanceA
		case models.UpdateThread:
			if t, ok := f.threads[u.ChannelID]; ok {
				t.Nonce = u.Nonce
				t.EthBalanceA = u.EthBalanceA
				t.EthBalanceB = u.EthBalanceB
			}
		}
	}
	return nil
}

func (f *fakeHub) GetExchangeRate(ctx context.Context) (models.ExchangeRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate, nil
}

func (f *fakeHub) GetLoadLimit(ctx context.Context) (currency.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLimit, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Broadcast(name string, data ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == name {
			return true
		}
	}
	return false
}

func newTestService(t *testing.T, fh *fakeHub) (*Service, *statestore.Store, *eventRecorder) {
	t.Helper()
	store := statestore.NewMemory()
	events := &eventRecorder{}
	svc, err := New(Config{
		Store:                store,
		Hub:                  fh,
		Signer:               fakeSigner{},
		Events:               events,
		HubAddress:           testHub,
		DefaultThreadDeposit: currency.FromInt64(10),
		TokenSupport:         false,
		RetryAttempts:        5,
		RetryInterval:        time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store, events
}

func amt(n int64) currency.Amount { return currency.FromInt64(n) }

func TestDepositOpensChannelWhenNoneExists(t *testing.T) {
	fh := newFakeHub()
	svc, _, events := newTestService(t, fh)

	snap, err := svc.Deposit(context.Background(), amt(30))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if len(fh.openChannelCalls) != 1 || fh.openChannelCalls[0].Cmp(amt(30)) != 0 {
		t.Fatalf("open channel calls: %+v", fh.openChannelCalls)
	}
	if len(fh.depositCalls) != 0 {
		t.Fatalf("unexpected deposit calls: %+v", fh.depositCalls)
	}
	if snap.Eth.Cmp(amt(30)) != 0 {
		t.Fatalf("snapshot eth = %s, want 30", snap.Eth)
	}
	if !events.has(eventBalanceUpdated) {
		t.Fatal("no balance broadcast")
	}
	if f := svc.Flags(); f.DepositInProgress {
		t.Fatal("deposit flag still set after completion")
	}
}

func TestDepositAddsToExistingChannel(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(30)
	svc, _, _ := newTestService(t, fh)

	snap, err := svc.Deposit(context.Background(), amt(20))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if len(fh.openChannelCalls) != 0 {
		t.Fatalf("unexpected open channel calls: %+v", fh.openChannelCalls)
	}
	if len(fh.depositCalls) != 1 || fh.depositCalls[0].Cmp(amt(20)) != 0 {
		t.Fatalf("deposit calls: %+v", fh.depositCalls)
	}
	if snap.Eth.Cmp(amt(50)) != 0 {
		t.Fatalf("snapshot eth = %s, want 50", snap.Eth)
	}
}

func TestDepositFlagSetWhileRunning(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(10)
	svc, _, _ := newTestService(t, fh)
	fh.depositHook = func() {
		if f := svc.Flags(); !f.DepositInProgress {
			t.Error("deposit flag not set during hub call")
		}
	}

	if _, err := svc.Deposit(context.Background(), amt(5)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if f := svc.Flags(); f.DepositInProgress {
		t.Fatal("deposit flag not cleared")
	}
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	fh := newFakeHub()
	svc, _, _ := newTestService(t, fh)
	if _, err := svc.Deposit(context.Background(), amt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Deposit(0): %v, want ErrInvalidAmount", err)
	}
}

func TestWithdrawClosesThreadsAndChannel(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(40)
	svc, store, _ := newTestService(t, fh)

	thread, err := fh.OpenThread(context.Background(), "0xcafe", hub.ThreadDeposit{Eth: amt(10)})
	if err != nil {
		t.Fatalf("OpenThread: %v", err)
	}
	fh.openThreadCalls = nil
	if err := store.Put(threadKey, activeThread{ThreadID: thread.ChannelID, Counterparty: "0xcafe"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap, err := svc.Withdraw(context.Background())
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if len(fh.closedThreads) != 1 || fh.closedThreads[0][0] != thread.ChannelID {
		t.Fatalf("closed threads: %+v", fh.closedThreads)
	}
	if fh.ledger.Status != models.ChannelClosed {
		t.Fatalf("ledger status = %s, want closed", fh.ledger.Status)
	}
	if !snap.Eth.IsZero() {
		t.Fatalf("snapshot eth = %s, want 0 after close", snap.Eth)
	}
	if store.Has(threadKey) {
		t.Fatal("thread record not cleared")
	}
	if f := svc.Flags(); f.WithdrawalInProgress {
		t.Fatal("withdrawal flag still set")
	}
}

func TestWithdrawClosePendingIsInformational(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(40)
	fh.closeErr = hub.ErrClosePending
	svc, _, events := newTestService(t, fh)

	if _, err := svc.Withdraw(context.Background()); err != nil {
		t.Fatalf("Withdraw with pending close: %v", err)
	}
	if !events.has(eventNotice) {
		t.Fatal("no informational notice broadcast")
	}
}

func TestWithdrawWithoutChannel(t *testing.T) {
	fh := newFakeHub()
	svc, _, _ := newTestService(t, fh)
	if _, err := svc.Withdraw(context.Background()); !errors.Is(err, ErrNoOpenChannel) {
		t.Fatalf("Withdraw: %v, want ErrNoOpenChannel", err)
	}
}

func TestExchangeBoundedByLoadLimit(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(100)
	fh.loadLimit = amt(40)
	fh.rate = models.ExchangeRate{TokenUnits: amt(2), EthUnits: amt(1)}
	svc, _, _ := newTestService(t, fh)

	swapped, err := svc.Exchange(context.Background(), amt(60))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if swapped.Cmp(amt(40)) != 0 {
		t.Fatalf("swapped = %s, want 40", swapped)
	}
	if len(fh.updateBatches) != 1 {
		t.Fatalf("update batches: %d", len(fh.updateBatches))
	}
	u := fh.updateBatches[0][0]
	if u.EthBalanceA.Cmp(amt(60)) != 0 {
		t.Fatalf("post-exchange eth = %s, want 60", u.EthBalanceA)
	}
	if u.TokenBalanceA.Cmp(amt(80)) != 0 {
		t.Fatalf("post-exchange tokens = %s, want 80", u.TokenBalanceA)
	}
	if u.SigA == "" {
		t.Fatal("update not signed")
	}
}

func TestExchangeBoundedByAvailableBalance(t *testing.T) {
	fh := newFakeHub()
	fh.setLedger(50)
	svc, _, _ := newTestService(t, fh)

	swapped, err := svc.Exchange(context.Background(), amt(60))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if swapped.Cmp(amt(50)) != 0 {
		t.Fatalf("swapped = %s, want 50", swapped)
	}
}

func TestExchangeWithoutChannel(t *testing.T) {
	fh := newFakeHub()
	svc, _, _ := newTestService(t, fh)
	if _, err := svc.Exchange(context.Background(), amt(10)); !errors.Is(err, ErrNoOpenChannel) {
		t.Fatalf("Exchange: %v, want ErrNoOpenChannel", err)
	}
}

func TestOrderUpdatesRejectsThreadFirst(t *testing.T) {
	updates := []models.BalanceUpdate{
		{Kind: models.UpdateThread},
		{Kind: models.UpdateLedger},
	}
	if err := orderUpdates(updates); err == nil {
		t.Fatal("thread-first batch accepted")
	}
	if err := orderUpdates(nil); err == nil {
		t.Fatal("empty batch accepted")
	}
	ok := []models.BalanceUpdate{{Kind: models.UpdateLedger}, {Kind: models.UpdateThread}}
	if err := orderUpdates(ok); err != nil {
		t.Fatalf("ledger-first batch rejected: %v", err)
	}
}
