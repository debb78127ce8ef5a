package models

import (
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
)

type ChannelStatus string

const (
	ChannelOpen     ChannelStatus = "open"
	ChannelSettling ChannelStatus = "settling"
	ChannelClosed   ChannelStatus = "closed"
)

func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelOpen, ChannelSettling, ChannelClosed:
		return true
	default:
		return false
	}
}

// LedgerChannel is the primary two-party balance record between the local
// party (A) and the hub (I). It is only ever mutated by applying a
// hub-confirmed balance update; Nonce strictly increases with each accepted
// update.
type LedgerChannel struct {
	ChannelID       string          `json:"channel_id"`
	PartyA          string          `json:"party_a"`
	PartyI          string          `json:"party_i"`
	Nonce           uint64          `json:"nonce"`
	EthBalanceA     currency.Amount `json:"eth_balance_a"`
	EthBalanceI     currency.Amount `json:"eth_balance_i"`
	TokenBalanceA   currency.Amount `json:"token_balance_a"`
	TokenBalanceI   currency.Amount `json:"token_balance_i"`
	OpenThreadCount int             `json:"open_thread_count"`
	StateRootHash   string          `json:"state_root_hash"`
	Status          ChannelStatus   `json:"status"`
}

// VirtualChannel (thread) is a temporary two-party sub-channel against a
// counterparty B, funded from and collapsed back into the ledger channel.
// The default flow assumes at most one open thread per counterparty.
type VirtualChannel struct {
	ChannelID     string          `json:"channel_id"`
	PartyA        string          `json:"party_a"`
	PartyB        string          `json:"party_b"`
	PartyI        string          `json:"party_i"`
	Nonce         uint64          `json:"nonce"`
	EthBalanceA   currency.Amount `json:"eth_balance_a"`
	EthBalanceB   currency.Amount `json:"eth_balance_b"`
	TokenBalanceA currency.Amount `json:"token_balance_a"`
	TokenBalanceB currency.Amount `json:"token_balance_b"`
	Status        ChannelStatus   `json:"status"`
}

// BalanceSnapshot is the derived per-asset total for the local party across
// the ledger channel and its open threads. It is recomputed after every
// operation and cached for the UI; the hub's channel state stays the source
// of truth.
type BalanceSnapshot struct {
	Eth       currency.Amount `json:"eth"`
	Token     currency.Amount `json:"token"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type UpdateKind string

const (
	UpdateLedger UpdateKind = "ledger"
	UpdateThread UpdateKind = "thread"
)

// BalanceUpdate is one proposed post-operation balance state for a single
// channel, submitted to the hub for co-signing. A purchase submits a ledger
// update and a thread update in one atomic call.
type BalanceUpdate struct {
	Kind          UpdateKind      `json:"kind"`
	ChannelID     string          `json:"channel_id"`
	Nonce         uint64          `json:"nonce"`
	EthBalanceA   currency.Amount `json:"eth_balance_a"`
	EthBalanceB   currency.Amount `json:"eth_balance_b"`
	TokenBalanceA currency.Amount `json:"token_balance_a"`
	TokenBalanceB currency.Amount `json:"token_balance_b"`
	SigA          string          `json:"sig_a,omitempty"`
}

type PurchaseReceipt struct {
	PurchaseID string          `json:"purchase_id"`
	ThreadID   string          `json:"thread_id"`
	Price      currency.Amount `json:"price"`
	Recipient  string          `json:"recipient"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ExchangeRate expresses how many token base units one unit of the native
// asset buys, as the ratio TokenUnits/EthUnits.
type ExchangeRate struct {
	TokenUnits  currency.Amount `json:"token_units"`
	EthUnits    currency.Amount `json:"eth_units"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

// TokensFor converts an eth amount through the rate, truncating toward zero.
func (r ExchangeRate) TokensFor(eth currency.Amount) (currency.Amount, error) {
	return currency.MulDiv(eth, r.TokenUnits, r.EthUnits)
}

// EthFor converts a token amount back through the rate.
func (r ExchangeRate) EthFor(token currency.Amount) (currency.Amount, error) {
	return currency.MulDiv(token, r.EthUnits, r.TokenUnits)
}

// SessionState is the persisted lock state of the wallet: whether key
// material is resident and the token identifying the current unlocked
// session.
type SessionState struct {
	Unlocked  bool      `json:"unlocked"`
	AuthToken string    `json:"auth_token,omitempty"`
	Address   string    `json:"address,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletConfig is the durable wallet configuration sharing the state
// container with transaction records.
type WalletConfig struct {
	Address         string `json:"address"`
	NeedsCollateral bool   `json:"needs_collateral"`
}
