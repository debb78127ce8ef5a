package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/retry"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// depositIntent carries the submitted deposit across the crash boundary:
// which channel it went to and the ledger balance the hub must reach before
// the deposit counts as confirmed.
type depositIntent struct {
	ChannelID string          `json:"channel_id"`
	Amount    currency.Amount `json:"amount"`
	Expected  currency.Amount `json:"expected_eth"`
}

// Deposit funds the ledger channel, opening one if none exists, and blocks
// until the hub reflects the new balance.
func (s *Service) Deposit(ctx context.Context, amount currency.Amount) (models.BalanceSnapshot, error) {
	if amount.IsZero() || amount.IsNegative() {
		return models.BalanceSnapshot{}, ErrInvalidAmount
	}
	if err := s.acquire(ctx); err != nil {
		return models.BalanceSnapshot{}, err
	}
	defer s.release()

	return decodeSingle[models.BalanceSnapshot](metrics.Timed(s.metrics, "wallet.deposit", func() ([]json.RawMessage, error) {
		return s.deposit.Start(ctx, amount)
	}))
}

func (s *Service) newDepositTxn() (*txengine.Transaction, error) {
	return txengine.New(txengine.Config{
		Name:  "deposit",
		Store: s.store,
		Steps: []txengine.Step{
			s.submitDeposit,
			s.awaitDeposit,
			s.requestCollateral,
			s.refreshStep,
		},
		OnStart:   func() { s.setFlag(flagDepositKey) },
		OnRestart: func() { s.setFlag(flagDepositKey) },
		AfterAll:  func() { s.clearFlag(flagDepositKey) },
		Logger:    s.logger,
	})
}

func (s *Service) submitDeposit(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	amount, err := txengine.Arg[currency.Amount](args, 0)
	if err != nil {
		return nil, err
	}

	ledger, err := s.hub.GetChannelByPartyA(ctx)
	if err != nil {
		return nil, err
	}

	intent := depositIntent{Amount: amount}
	if ledger == nil {
		id, err := s.hub.OpenChannel(ctx, amount)
		if err != nil {
			return nil, err
		}
		intent.ChannelID = id
		intent.Expected = amount
		s.logger.Info("ledger channel opened", "channel_id", id, "deposit", amount)
	} else {
		if err := s.hub.Deposit(ctx, ledger.ChannelID, amount); err != nil {
			return nil, err
		}
		intent.ChannelID = ledger.ChannelID
		intent.Expected = ledger.EthBalanceA.Add(amount)
		s.logger.Info("deposit submitted", "channel_id", ledger.ChannelID, "amount", amount)
	}
	return txengine.MarshalArgs(intent)
}

// awaitDeposit polls until the hub's ledger balance reaches the expected
// total. The deposit settles on chain first, so the hub lags the submit.
func (s *Service) awaitDeposit(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	intent, err := txengine.Arg[depositIntent](args, 0)
	if err != nil {
		return nil, err
	}

	_, err = retry.WithRetries(ctx, s.retryAttempts, s.retryInterval, func(ctx context.Context, done func()) (*models.LedgerChannel, error) {
		s.recordRetryAttempt()
		ledger, err := s.hub.GetChannelByPartyA(ctx)
		if err != nil {
			return nil, err
		}
		if ledger != nil && ledger.EthBalanceA.Cmp(intent.Expected) >= 0 {
			done()
		}
		return ledger, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for deposit confirmation: %w", err)
	}
	return args, nil
}

// requestCollateral asks the hub to match the channel when the wallet was
// flagged as needing collateral, then clears the flag.
func (s *Service) requestCollateral(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	intent, err := txengine.Arg[depositIntent](args, 0)
	if err != nil {
		return nil, err
	}

	var cfg models.WalletConfig
	ok, err := s.store.Get(walletConfigKey, &cfg)
	if err != nil {
		return nil, err
	}
	if !ok || !cfg.NeedsCollateral {
		return args, nil
	}

	if err := s.hub.RequestHubDeposit(ctx, intent.ChannelID, intent.Expected); err != nil {
		return nil, err
	}
	cfg.NeedsCollateral = false
	if err := s.store.Put(walletConfigKey, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("hub collateral requested", "channel_id", intent.ChannelID, "amount", intent.Expected)
	return args, nil
}

// decodeSingle unwraps a transaction's single-value result.
func decodeSingle[T any](out []json.RawMessage, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	return txengine.Arg[T](out, 0)
}
