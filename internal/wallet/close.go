package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/hub"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/retry"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// Withdraw collapses every open thread back into the ledger channel, swaps
// any token balance back to eth when token support is on, and closes the
// ledger channel, waiting until the hub reports it closed.
func (s *Service) Withdraw(ctx context.Context) (models.BalanceSnapshot, error) {
	if err := s.acquire(ctx); err != nil {
		return models.BalanceSnapshot{}, err
	}
	defer s.release()

	return decodeSingle[models.BalanceSnapshot](metrics.Timed(s.metrics, "wallet.withdraw", func() ([]json.RawMessage, error) {
		return s.withdraw.Start(ctx)
	}))
}

func (s *Service) newWithdrawTxn() (*txengine.Transaction, error) {
	return txengine.New(txengine.Config{
		Name:  "withdraw",
		Store: s.store,
		Steps: []txengine.Step{
			s.closeThreads,
			s.swapTokensBack,
			s.submitClose,
			s.awaitClosed,
			s.refreshStep,
		},
		OnStart:   func() { s.setFlag(flagWithdrawalKey) },
		OnRestart: func() { s.setFlag(flagWithdrawalKey) },
		AfterAll:  func() { s.clearFlag(flagWithdrawalKey) },
		Logger:    s.logger,
	})
}

func (s *Service) closeThreads(ctx context.Context, _ []json.RawMessage) ([]json.RawMessage, error) {
	var at activeThread
	ok, err := s.store.Get(threadKey, &at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	thread, err := s.hub.GetThreadByID(ctx, at.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread != nil && thread.Status == models.ChannelOpen {
		if err := s.hub.CloseThreads(ctx, []string{at.ThreadID}); err != nil {
			return nil, err
		}
		s.logger.Info("virtual channel closed for withdrawal", "thread_id", at.ThreadID)
	}
	if err := s.store.Delete(threadKey); err != nil {
		return nil, err
	}
	return nil, nil
}

// swapTokensBack re-denominates any remaining token balance into eth so the
// close settles a single asset.
func (s *Service) swapTokensBack(ctx context.Context, _ []json.RawMessage) ([]json.RawMessage, error) {
	if !s.tokenSupport {
		return nil, nil
	}
	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return nil, err
	}
	if ledger == nil || ledger.TokenBalanceA.IsZero() {
		return nil, nil
	}

	rate, err := s.hub.GetExchangeRate(ctx)
	if err != nil {
		return nil, err
	}
	eth, err := rate.EthFor(ledger.TokenBalanceA)
	if err != nil {
		return nil, err
	}

	update := models.BalanceUpdate{
		Kind:          models.UpdateLedger,
		ChannelID:     ledger.ChannelID,
		Nonce:         ledger.Nonce + 1,
		EthBalanceA:   ledger.EthBalanceA.Add(eth),
		EthBalanceB:   ledger.EthBalanceI.Sub(eth),
		TokenBalanceA: currency.Zero(),
		TokenBalanceB: ledger.TokenBalanceI.Add(ledger.TokenBalanceA),
	}
	if err := s.submitUpdates(ctx, []models.BalanceUpdate{update}); err != nil {
		return nil, err
	}
	s.logger.Info("token balance swapped back", "channel_id", ledger.ChannelID, "eth", eth)
	return nil, nil
}

func (s *Service) submitClose(ctx context.Context, _ []json.RawMessage) ([]json.RawMessage, error) {
	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, ErrNoOpenChannel
	}
	if err := s.hub.CloseChannel(ctx, ledger.ChannelID); err != nil {
		if errors.Is(err, hub.ErrClosePending) {
			// Expected when a previous close is still settling; not a failure.
			s.notice("a channel close is already pending; waiting for it to settle")
		} else {
			return nil, err
		}
	}
	return txengine.MarshalArgs(ledger.ChannelID)
}

func (s *Service) awaitClosed(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	channelID, err := txengine.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}

	_, err = retry.WithRetries(ctx, s.retryAttempts, s.retryInterval, func(ctx context.Context, done func()) (struct{}, error) {
		s.recordRetryAttempt()
		ledger, err := s.hub.GetChannelByPartyA(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if ledger == nil || ledger.Status == models.ChannelClosed {
			done()
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for channel %s to close: %w", channelID, err)
	}
	return nil, nil
}
