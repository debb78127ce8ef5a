// Package wallet holds the transaction orchestrators: the channel operations
// a user can trigger, each expressed as a named resumable step sequence over
// the transaction engine. All operations serialize on a single permit, so at
// most one channel mutation talks to the hub at a time, including restarts
// after a crash or unlock.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/channels"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/hub"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/lockwatch"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

var (
	ErrNoOpenChannel       = errors.New("no open ledger channel")
	ErrInsufficientBalance = errors.New("insufficient channel balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

const (
	flagDepositKey    = "flags/deposit"
	flagWithdrawalKey = "flags/withdrawal"
	balanceKey        = "balance/snapshot"
	threadKey         = "channel/thread"
	walletConfigKey   = "wallet/config"
	lastReceiptKey    = "purchase/last"
)

const (
	eventBalanceUpdated = "vynos.balanceUpdated"
	eventFlagsUpdated   = "vynos.flagsUpdated"
	eventNotice         = "vynos.notice"
)

// Signer is the signing collaborator as the orchestrators see it.
type Signer interface {
	Address() (string, error)
	Sign(message []byte) ([]byte, error)
}

// Broadcaster pushes state events to every attached UI context.
type Broadcaster interface {
	Broadcast(name string, data ...any)
}

// Flags are the in-progress markers the UI uses to disable triggers.
type Flags struct {
	DepositInProgress    bool `json:"deposit_in_progress"`
	WithdrawalInProgress bool `json:"withdrawal_in_progress"`
}

// activeThread tracks the one open virtual channel the default flow allows.
type activeThread struct {
	ThreadID     string `json:"thread_id"`
	Counterparty string `json:"counterparty"`
}

type Config struct {
	Store  *statestore.Store
	Hub    hub.Client
	Signer Signer
	Lock   *lockwatch.Observer

	Events  Broadcaster
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	HubAddress           string
	DefaultThreadDeposit currency.Amount
	TokenSupport         bool
	RetryAttempts        int
	RetryInterval        time.Duration
}

type Service struct {
	store   *statestore.Store
	hub     hub.Client
	signer  Signer
	events  Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger

	hubAddress     string
	defaultDeposit currency.Amount
	tokenSupport   bool
	retryAttempts  int
	retryInterval  time.Duration

	// permit is the single-permit semaphore serializing every channel
	// operation, fresh starts and restarts alike.
	permit chan struct{}

	deposit  *txengine.Transaction
	buy      *txengine.Transaction
	withdraw *txengine.Transaction
	exchange *txengine.Transaction
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Hub == nil || cfg.Signer == nil {
		return nil, errors.New("wallet: store, hub and signer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultThreadDeposit.IsZero() || cfg.DefaultThreadDeposit.IsNegative() {
		return nil, errors.New("wallet: default thread deposit must be positive")
	}
	s := &Service{
		store:          cfg.Store,
		hub:            cfg.Hub,
		signer:         cfg.Signer,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		hubAddress:     cfg.HubAddress,
		defaultDeposit: cfg.DefaultThreadDeposit,
		tokenSupport:   cfg.TokenSupport,
		retryAttempts:  cfg.RetryAttempts,
		retryInterval:  cfg.RetryInterval,
		permit:         make(chan struct{}, 1),
	}

	var err error
	if s.deposit, err = s.newDepositTxn(); err != nil {
		return nil, err
	}
	if s.buy, err = s.newBuyTxn(); err != nil {
		return nil, err
	}
	if s.withdraw, err = s.newWithdrawTxn(); err != nil {
		return nil, err
	}
	if s.exchange, err = s.newExchangeTxn(); err != nil {
		return nil, err
	}

	if cfg.Lock != nil {
		cfg.Lock.OnUnlock(func() {
			go func() {
				if err := s.RestartAll(context.Background()); err != nil {
					s.logger.Error("restart after unlock failed", "error", err)
				}
			}()
		})
	}
	return s, nil
}

// acquire takes the operation permit, blocking behind whichever operation
// currently holds it.
func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.permit <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.permit
}

// RestartAll resumes every transaction with a persisted record. It runs at
// daemon boot and after each unlock; transactions without a record are no-ops.
func (s *Service) RestartAll(ctx context.Context) error {
	var errs []error
	for _, txn := range []*txengine.Transaction{s.deposit, s.buy, s.withdraw, s.exchange} {
		if !txn.InProgress() {
			continue
		}
		if err := s.acquire(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := txn.Restart(ctx)
		s.release()
		if err != nil {
			s.logger.Error("transaction restart failed", "name", txn.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flags reports the persisted in-progress markers.
func (s *Service) Flags() Flags {
	return Flags{
		DepositInProgress:    s.store.Has(flagDepositKey),
		WithdrawalInProgress: s.store.Has(flagWithdrawalKey),
	}
}

// Balance returns the cached snapshot from the last refresh. Before any
// operation has run it is the zero snapshot.
func (s *Service) Balance() (models.BalanceSnapshot, error) {
	var snap models.BalanceSnapshot
	if _, err := s.store.Get(balanceKey, &snap); err != nil {
		return models.BalanceSnapshot{}, err
	}
	return snap, nil
}

// LastReceipt returns the most recent purchase receipt, if any.
func (s *Service) LastReceipt() (models.PurchaseReceipt, bool, error) {
	var rec models.PurchaseReceipt
	ok, err := s.store.Get(lastReceiptKey, &rec)
	return rec, ok, err
}

func (s *Service) setFlag(key string) {
	if err := s.store.Put(key, true); err != nil {
		s.logger.Error("flag write failed", "key", key, "error", err)
	}
	s.broadcastFlags()
}

func (s *Service) clearFlag(key string) {
	if err := s.store.Delete(key); err != nil {
		s.logger.Error("flag clear failed", "key", key, "error", err)
	}
	s.broadcastFlags()
}

func (s *Service) broadcastFlags() {
	if s.events != nil {
		s.events.Broadcast(eventFlagsUpdated, s.Flags())
	}
}

func (s *Service) notice(msg string) {
	s.logger.Info(msg)
	if s.events != nil {
		s.events.Broadcast(eventNotice, msg)
	}
}

// refreshBalances recomputes the aggregate from fresh hub state, caches it
// and pushes it to the UI contexts.
func (s *Service) refreshBalances(ctx context.Context) (models.BalanceSnapshot, error) {
	party, err := s.signer.Address()
	if err != nil {
		return models.BalanceSnapshot{}, err
	}
	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return models.BalanceSnapshot{}, err
	}

	var threads []models.VirtualChannel
	var at activeThread
	ok, err := s.store.Get(threadKey, &at)
	if err != nil {
		return models.BalanceSnapshot{}, err
	}
	if ok {
		thread, err := s.hub.GetThreadByID(ctx, at.ThreadID)
		if err != nil {
			return models.BalanceSnapshot{}, err
		}
		if thread == nil || thread.Status == models.ChannelClosed {
			if err := s.store.Delete(threadKey); err != nil {
				return models.BalanceSnapshot{}, err
			}
		} else {
			threads = append(threads, *thread)
		}
	}

	snap := channels.Aggregate(ledger, threads, party, time.Now().UTC())
	if err := s.store.Put(balanceKey, snap); err != nil {
		return models.BalanceSnapshot{}, err
	}
	if s.events != nil {
		s.events.Broadcast(eventBalanceUpdated, snap)
	}
	return snap, nil
}

// refreshStep adapts refreshBalances as a final transaction step.
func (s *Service) refreshStep(ctx context.Context, _ []json.RawMessage) ([]json.RawMessage, error) {
	snap, err := s.refreshBalances(ctx)
	if err != nil {
		return nil, err
	}
	return txengine.MarshalArgs(snap)
}

// signUpdate attaches the local party's signature over the canonical JSON
// encoding of the proposed state.
func (s *Service) signUpdate(u *models.BalanceUpdate) error {
	u.SigA = ""
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return err
	}
	u.SigA = hex.EncodeToString(sig)
	return nil
}

// orderUpdates enforces the protocol invariant that a multi-channel update
// reaches the hub's ledger channel before any thread: the hub co-signs the
// ledger state first and rejects batches that lead with a thread.
func orderUpdates(updates []models.BalanceUpdate) error {
	if len(updates) == 0 {
		return errors.New("empty update batch")
	}
	if updates[0].Kind != models.UpdateLedger {
		return fmt.Errorf("update batch must lead with the ledger channel, got %q", updates[0].Kind)
	}
	for _, u := range updates[1:] {
		if u.Kind == models.UpdateLedger {
			return errors.New("update batch has more than one ledger update")
		}
	}
	return nil
}

func (s *Service) submitUpdates(ctx context.Context, updates []models.BalanceUpdate) error {
	if err := orderUpdates(updates); err != nil {
		return err
	}
	for i := range updates {
		if err := s.signUpdate(&updates[i]); err != nil {
			return err
		}
	}
	return s.hub.UpdateBalances(ctx, updates)
}

func (s *Service) recordRetryAttempt() {
	if s.metrics != nil {
		s.metrics.RecordRetryAttempt()
	}
}

func newPurchaseID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "pur_" + hex.EncodeToString(buf)
}
