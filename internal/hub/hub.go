// Package hub is the boundary to the channel-hub service: the counterparty
// that co-signs and indexes channel state changes. Everything behind Client
// is external; orchestrators treat it as eventually consistent and poll
// through the retry helper where needed.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// ErrClosePending marks "a close for this channel is already pending", an
// expected condition surfaced to the user as information, not a failure.
var ErrClosePending = errors.New("channel close already pending")

// StatusError is any other non-2xx hub reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub returned status %d: %s", e.Code, e.Body)
}

// ThreadDeposit sizes a new thread per asset.
type ThreadDeposit struct {
	Eth   currency.Amount `json:"eth"`
	Token currency.Amount `json:"token"`
}

// Client is the channel-hub API consumed by the orchestrators.
type Client interface {
	// GetChannelByPartyA returns the caller's ledger channel, or nil when
	// none exists.
	GetChannelByPartyA(ctx context.Context) (*models.LedgerChannel, error)

	OpenChannel(ctx context.Context, deposit currency.Amount) (channelID string, err error)
	Deposit(ctx context.Context, channelID string, amount currency.Amount) error
	RequestHubDeposit(ctx context.Context, channelID string, amount currency.Amount) error

	OpenThread(ctx context.Context, to string, deposit ThreadDeposit) (*models.VirtualChannel, error)
	GetThreadByID(ctx context.Context, threadID string) (*models.VirtualChannel, error)
	CloseThreads(ctx context.Context, threadIDs []string) error

	// CloseChannel returns ErrClosePending when the hub reports a close is
	// already in flight.
	CloseChannel(ctx context.Context, channelID string) error

	// UpdateBalances submits every proposed update in one atomic hub call.
	UpdateBalances(ctx context.Context, updates []models.BalanceUpdate) error

	GetExchangeRate(ctx context.Context) (models.ExchangeRate, error)
	GetLoadLimit(ctx context.Context) (currency.Amount, error)
}
