package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/channels"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/hub"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// buyState is what survives a crash between buy steps.
type buyState struct {
	Ledger    models.LedgerChannel  `json:"ledger"`
	Thread    models.VirtualChannel `json:"thread,omitempty"`
	Price     currency.Amount       `json:"price"`
	Recipient string                `json:"recipient"`
}

// Buy pays a recipient over a virtual channel, opening or reusing one as
// needed, and returns the purchase receipt.
func (s *Service) Buy(ctx context.Context, price currency.Amount, recipient string) (models.PurchaseReceipt, error) {
	if price.IsZero() || price.IsNegative() {
		return models.PurchaseReceipt{}, ErrInvalidAmount
	}
	if recipient == "" {
		return models.PurchaseReceipt{}, fmt.Errorf("recipient is required")
	}
	if err := s.acquire(ctx); err != nil {
		return models.PurchaseReceipt{}, err
	}
	defer s.release()

	return decodeSingle[models.PurchaseReceipt](metrics.Timed(s.metrics, "wallet.buy", func() ([]json.RawMessage, error) {
		return s.buy.Start(ctx, price, recipient)
	}))
}

func (s *Service) newBuyTxn() (*txengine.Transaction, error) {
	return txengine.New(txengine.Config{
		Name:  "buy",
		Store: s.store,
		Steps: []txengine.Step{
			s.fetchLedger,
			s.ensureThread,
			s.submitPayment,
			s.finalizePurchase,
		},
		AfterAll: func() {},
		Logger:   s.logger,
	})
}

func (s *Service) fetchLedger(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	price, err := txengine.Arg[currency.Amount](args, 0)
	if err != nil {
		return nil, err
	}
	recipient, err := txengine.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}

	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return nil, err
	}
	if ledger == nil || ledger.Status == models.ChannelClosed {
		return nil, ErrNoOpenChannel
	}
	return txengine.MarshalArgs(buyState{Ledger: *ledger, Price: price, Recipient: recipient})
}

// ensureThread ends with exactly one open thread, to the purchase recipient,
// holding at least the price. A thread to a different counterparty is closed
// first: the flow assumes a single active virtual channel.
func (s *Service) ensureThread(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	st, err := txengine.Arg[buyState](args, 0)
	if err != nil {
		return nil, err
	}

	var at activeThread
	haveThread, err := s.store.Get(threadKey, &at)
	if err != nil {
		return nil, err
	}

	if haveThread {
		thread, err := s.hub.GetThreadByID(ctx, at.ThreadID)
		if err != nil {
			return nil, err
		}
		usable := thread != nil && thread.Status == models.ChannelOpen &&
			at.Counterparty == st.Recipient &&
			thread.EthBalanceA.Cmp(st.Price) >= 0
		if usable {
			st.Thread = *thread
			// On a resumed run the persisted ledger may predate this
			// thread's open; the payment must sign over current state.
			if err := s.reloadLedger(ctx, &st); err != nil {
				return nil, err
			}
			return txengine.MarshalArgs(st)
		}
		if thread != nil && thread.Status == models.ChannelOpen {
			if err := s.hub.CloseThreads(ctx, []string{at.ThreadID}); err != nil {
				return nil, err
			}
			s.logger.Info("virtual channel closed before reopen",
				"thread_id", at.ThreadID, "counterparty", at.Counterparty)
		}
		if err := s.store.Delete(threadKey); err != nil {
			return nil, err
		}
		// Closing a thread returns its balance to the ledger channel.
		if err := s.reloadLedger(ctx, &st); err != nil {
			return nil, err
		}
	}

	available := channels.AvailableLedgerEth(&st.Ledger)
	if st.Price.Cmp(available) > 0 {
		return nil, fmt.Errorf("%w: price %s exceeds available %s", ErrInsufficientBalance, st.Price, available)
	}

	deposit := threadDepositFor(st.Price, available, s.defaultDeposit)
	thread, err := s.hub.OpenThread(ctx, st.Recipient, hub.ThreadDeposit{Eth: deposit})
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(threadKey, activeThread{ThreadID: thread.ChannelID, Counterparty: st.Recipient}); err != nil {
		return nil, err
	}
	s.logger.Info("virtual channel opened",
		"thread_id", thread.ChannelID, "counterparty", st.Recipient, "deposit", deposit)

	st.Thread = *thread
	// The open moved the deposit out of the ledger channel. The ledger half
	// of the payment batch signs over balances and a nonce, so it must build
	// on the post-open state or the hub would see the deposit re-credited.
	if err := s.reloadLedger(ctx, &st); err != nil {
		return nil, err
	}
	return txengine.MarshalArgs(st)
}

// reloadLedger replaces the persisted ledger state with the hub's current
// view. Thread opens and closes move funds between the ledger and a thread,
// invalidating whatever ledger state an earlier step captured.
func (s *Service) reloadLedger(ctx context.Context, st *buyState) error {
	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return err
	}
	if ledger == nil || ledger.Status == models.ChannelClosed {
		return ErrNoOpenChannel
	}
	st.Ledger = *ledger
	return nil
}

// threadDepositFor sizes a new thread. Prefer the price when it exceeds the
// fixed default and still fits the ledger balance, so one open covers the
// purchase; otherwise the whole available balance when that is below the
// default; otherwise the default. The deposit never exceeds available.
func threadDepositFor(price, available, fallback currency.Amount) currency.Amount {
	if price.Cmp(fallback) > 0 && price.Cmp(available) <= 0 {
		return price
	}
	if available.Cmp(fallback) < 0 {
		return available
	}
	return fallback
}

// submitPayment sends the post-purchase ledger and thread states to the hub
// in one atomic call, ledger first.
func (s *Service) submitPayment(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	st, err := txengine.Arg[buyState](args, 0)
	if err != nil {
		return nil, err
	}

	updates := []models.BalanceUpdate{
		{
			Kind:          models.UpdateLedger,
			ChannelID:     st.Ledger.ChannelID,
			Nonce:         st.Ledger.Nonce + 1,
			EthBalanceA:   st.Ledger.EthBalanceA,
			EthBalanceB:   st.Ledger.EthBalanceI,
			TokenBalanceA: st.Ledger.TokenBalanceA,
			TokenBalanceB: st.Ledger.TokenBalanceI,
		},
		{
			Kind:          models.UpdateThread,
			ChannelID:     st.Thread.ChannelID,
			Nonce:         st.Thread.Nonce + 1,
			EthBalanceA:   st.Thread.EthBalanceA.Sub(st.Price),
			EthBalanceB:   st.Thread.EthBalanceB.Add(st.Price),
			TokenBalanceA: st.Thread.TokenBalanceA,
			TokenBalanceB: st.Thread.TokenBalanceB,
		},
	}
	if err := s.submitUpdates(ctx, updates); err != nil {
		return nil, err
	}
	return txengine.MarshalArgs(st)
}

func (s *Service) finalizePurchase(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	st, err := txengine.Arg[buyState](args, 0)
	if err != nil {
		return nil, err
	}
	if _, err := s.refreshBalances(ctx); err != nil {
		return nil, err
	}
	receipt := models.PurchaseReceipt{
		PurchaseID: newPurchaseID(),
		ThreadID:   st.Thread.ChannelID,
		Price:      st.Price,
		Recipient:  st.Recipient,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Put(lastReceiptKey, receipt); err != nil {
		return nil, err
	}
	return txengine.MarshalArgs(receipt)
}
