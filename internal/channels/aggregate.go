// Package channels computes derived channel state. Nothing here is
// authoritative: the hub's co-signed channel state is the source of truth
// and these aggregates are recomputed from it on demand.
package channels

import (
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// Aggregate sums the party's balance across the ledger channel and all open
// threads, per asset. Funds sitting in an open thread still belong to the
// party that has not spent them, so both sides of a thread count toward
// whichever role the party holds in it.
func Aggregate(ledger *models.LedgerChannel, threads []models.VirtualChannel, party string, now time.Time) models.BalanceSnapshot {
	eth := currency.Zero()
	token := currency.Zero()

	if ledger != nil && ledger.PartyA == party && ledger.Status != models.ChannelClosed {
		eth = eth.Add(ledger.EthBalanceA)
		token = token.Add(ledger.TokenBalanceA)
	}
	for _, thread := range threads {
		if thread.Status != models.ChannelOpen {
			continue
		}
		switch party {
		case thread.PartyA:
			eth = eth.Add(thread.EthBalanceA)
			token = token.Add(thread.TokenBalanceA)
		case thread.PartyB:
			eth = eth.Add(thread.EthBalanceB)
			token = token.Add(thread.TokenBalanceB)
		}
	}
	return models.BalanceSnapshot{Eth: eth, Token: token, UpdatedAt: now}
}

// AvailableLedgerEth is the spendable ledger-channel balance: funds already
// committed to open threads are not available for new thread deposits.
func AvailableLedgerEth(ledger *models.LedgerChannel) currency.Amount {
	if ledger == nil || ledger.Status == models.ChannelClosed {
		return currency.Zero()
	}
	return ledger.EthBalanceA
}
