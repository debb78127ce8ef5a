package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/channels"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

type exchangeState struct {
	Ledger models.LedgerChannel `json:"ledger"`
	Amount currency.Amount      `json:"amount"`
}

// Exchange re-denominates part of the ledger channel's eth balance into
// tokens at a fresh hub rate. The swapped amount is bounded by the hub's load
// limit and by the available balance; the bounded amount is returned.
func (s *Service) Exchange(ctx context.Context, requested currency.Amount) (currency.Amount, error) {
	if requested.IsZero() || requested.IsNegative() {
		return currency.Zero(), ErrInvalidAmount
	}
	if err := s.acquire(ctx); err != nil {
		return currency.Zero(), err
	}
	defer s.release()

	return decodeSingle[currency.Amount](metrics.Timed(s.metrics, "wallet.exchange", func() ([]json.RawMessage, error) {
		return s.exchange.Start(ctx, requested)
	}))
}

func (s *Service) newExchangeTxn() (*txengine.Transaction, error) {
	return txengine.New(txengine.Config{
		Name:  "exchange",
		Store: s.store,
		Steps: []txengine.Step{
			s.boundExchange,
			s.submitExchange,
			s.finalizeExchange,
		},
		AfterAll: func() {},
		Logger:   s.logger,
	})
}

func (s *Service) boundExchange(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	requested, err := txengine.Arg[currency.Amount](args, 0)
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

	limit, err := s.hub.GetLoadLimit(ctx)
	if err != nil {
		return nil, err
	}
	available := channels.AvailableLedgerEth(ledger)
	amount := currency.Min(currency.Min(requested, limit), available)
	if amount.IsZero() || amount.IsNegative() {
		return nil, fmt.Errorf("%w: nothing available to exchange", ErrInsufficientBalance)
	}
	if amount.Cmp(requested) < 0 {
		s.logger.Info("exchange amount bounded",
			"requested", requested, "bounded", amount, "load_limit", limit, "available", available)
	}
	return txengine.MarshalArgs(exchangeState{Ledger: *ledger, Amount: amount})
}

func (s *Service) submitExchange(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	st, err := txengine.Arg[exchangeState](args, 0)
	if err != nil {
		return nil, err
	}

	// The rate is fetched here, not in the bounding step, so a resumed run
	// never applies a stale rate.
	rate, err := s.hub.GetExchangeRate(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := rate.TokensFor(st.Amount)
	if err != nil {
		return nil, err
	}

	update := models.BalanceUpdate{
		Kind:          models.UpdateLedger,
		ChannelID:     st.Ledger.ChannelID,
		Nonce:         st.Ledger.Nonce + 1,
		EthBalanceA:   st.Ledger.EthBalanceA.Sub(st.Amount),
		EthBalanceB:   st.Ledger.EthBalanceI.Add(st.Amount),
		TokenBalanceA: st.Ledger.TokenBalanceA.Add(tokens),
		TokenBalanceB: st.Ledger.TokenBalanceI.Sub(tokens),
	}
	if err := s.submitUpdates(ctx, []models.BalanceUpdate{update}); err != nil {
		return nil, err
	}
	s.logger.Info("exchange submitted",
		"channel_id", st.Ledger.ChannelID, "eth", st.Amount, "tokens", tokens)
	return txengine.MarshalArgs(st.Amount)
}

func (s *Service) finalizeExchange(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error) {
	if _, err := s.refreshBalances(ctx); err != nil {
		return nil, err
	}
	return args, nil
}
