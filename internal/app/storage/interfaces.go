// Package storage declares the persistence interfaces the services depend
// on. Implementations live in storage/memory and storage/postgres.
package storage

import (
	"context"
	"errors"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/redemption"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an optimistic version check fails or a
	// uniqueness constraint is violated.
	ErrConflict = errors.New("storage: conflict")
)

// MarketStore persists markets and their claim states.
type MarketStore interface {
	// CreateMarket persists a new market together with its zero claim
	// state. Fails with ErrConflict when a market for the same collection
	// and expiry already exists.
	CreateMarket(ctx context.Context, m market.Market) (market.Market, error)
	UpdateMarket(ctx context.Context, m market.Market) (market.Market, error)
	GetMarket(ctx context.Context, id string) (market.Market, error)
	ListMarkets(ctx context.Context) ([]market.Market, error)

	GetClaimState(ctx context.Context, marketID string) (market.ClaimState, error)
	// UpdateClaimState applies the new state only if the stored version
	// matches state.Version, then increments the version. Fails with
	// ErrConflict otherwise.
	UpdateClaimState(ctx context.Context, state market.ClaimState) (market.ClaimState, error)
}

// TokenStore persists yield-pass balances and node-pass tokens.
type TokenStore interface {
	GetYieldBalance(ctx context.Context, marketID, account string) (token.YieldBalance, error)
	SetYieldBalance(ctx context.Context, bal token.YieldBalance) (token.YieldBalance, error)
	ListYieldBalances(ctx context.Context, marketID string) ([]token.YieldBalance, error)

	CreateNodePass(ctx context.Context, pass token.NodePass) (token.NodePass, error)
	GetNodePass(ctx context.Context, marketID, licenseID string) (token.NodePass, error)
	DeleteNodePass(ctx context.Context, marketID, licenseID string) error
	ListNodePassesByOwner(ctx context.Context, marketID, owner string) ([]token.NodePass, error)
}

// RedemptionStore persists single-use redemption records.
type RedemptionStore interface {
	CreateRedemption(ctx context.Context, rec redemption.Record) (redemption.Record, error)
	GetRedemption(ctx context.Context, hash string) (redemption.Record, error)
	DeleteRedemption(ctx context.Context, hash string) error
}

// EventStore persists engine events for off-chain indexing.
type EventStore interface {
	CreateEvent(ctx context.Context, evt event.Event) (event.Event, error)
	ListEvents(ctx context.Context, marketID string, limit int) ([]event.Event, error)
}
