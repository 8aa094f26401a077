// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and is primarily intended for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/redemption"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
)

// Store implements every storage interface over process memory.
type Store struct {
	mu            sync.RWMutex
	markets       map[string]market.Market
	marketsByPair map[string]string // nodeToken|expiry -> marketID
	claimStates   map[string]market.ClaimState
	yieldBalances map[string]token.YieldBalance // marketID|account
	nodePasses    map[string]token.NodePass     // marketID|licenseID
	redemptions   map[string]redemption.Record
	events        map[string][]event.Event
}

var _ storage.MarketStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.RedemptionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		markets:       make(map[string]market.Market),
		marketsByPair: make(map[string]string),
		claimStates:   make(map[string]market.ClaimState),
		yieldBalances: make(map[string]token.YieldBalance),
		nodePasses:    make(map[string]token.NodePass),
		redemptions:   make(map[string]redemption.Record),
		events:        make(map[string][]event.Event),
	}
}

func pairKey(nodeToken string, expiry int64) string {
	return fmt.Sprintf("%s|%d", nodeToken, expiry)
}

func compositeKey(a, b string) string {
	return a + "|" + b
}

// MarketStore implementation ------------------------------------------------

func (s *Store) CreateMarket(_ context.Context, m market.Market) (market.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(m.NodeToken, m.ExpiryTime)
	if _, exists := s.marketsByPair[key]; exists {
		return market.Market{}, fmt.Errorf("%w: market for %s at expiry %d", storage.ErrConflict, m.NodeToken, m.ExpiryTime)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	s.markets[m.ID] = m
	s.marketsByPair[key] = m.ID

	state := market.NewClaimState(m.ID)
	state.UpdatedAt = now
	s.claimStates[m.ID] = state

	return m, nil
}

func (s *Store) UpdateMarket(_ context.Context, m market.Market) (market.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.markets[m.ID]
	if !ok {
		return market.Market{}, storage.ErrNotFound
	}

	m.CreatedAt = original.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	s.markets[m.ID] = m
	return m, nil
}

func (s *Store) GetMarket(_ context.Context, id string) (market.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return market.Market{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMarkets(_ context.Context) ([]market.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.Market, 0, len(s.markets))
	for _, m := range s.markets {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) GetClaimState(_ context.Context, marketID string) (market.ClaimState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.claimStates[marketID]
	if !ok {
		return market.ClaimState{}, storage.ErrNotFound
	}
	return state, nil
}

func (s *Store) UpdateClaimState(_ context.Context, state market.ClaimState) (market.ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.claimStates[state.MarketID]
	if !ok {
		return market.ClaimState{}, storage.ErrNotFound
	}
	if current.Version != state.Version {
		return market.ClaimState{}, fmt.Errorf("%w: claim state version %d, expected %d", storage.ErrConflict, current.Version, state.Version)
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	s.claimStates[state.MarketID] = state
	return state, nil
}

// TokenStore implementation -------------------------------------------------

func (s *Store) GetYieldBalance(_ context.Context, marketID, account string) (token.YieldBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.yieldBalances[compositeKey(marketID, account)]
	if !ok {
		return token.YieldBalance{MarketID: marketID, Account: account, Amount: "0"}, nil
	}
	return bal, nil
}

func (s *Store) SetYieldBalance(_ context.Context, bal token.YieldBalance) (token.YieldBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal.UpdatedAt = time.Now().UTC()
	s.yieldBalances[compositeKey(bal.MarketID, bal.Account)] = bal
	return bal, nil
}

func (s *Store) ListYieldBalances(_ context.Context, marketID string) ([]token.YieldBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []token.YieldBalance
	for _, bal := range s.yieldBalances {
		if bal.MarketID == marketID {
			result = append(result, bal)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Account < result[j].Account })
	return result, nil
}

func (s *Store) CreateNodePass(_ context.Context, pass token.NodePass) (token.NodePass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(pass.MarketID, pass.LicenseID)
	if _, exists := s.nodePasses[key]; exists {
		return token.NodePass{}, fmt.Errorf("%w: node pass for license %s", storage.ErrConflict, pass.LicenseID)
	}

	pass.MintedAt = time.Now().UTC()
	s.nodePasses[key] = pass
	return pass, nil
}

func (s *Store) GetNodePass(_ context.Context, marketID, licenseID string) (token.NodePass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pass, ok := s.nodePasses[compositeKey(marketID, licenseID)]
	if !ok {
		return token.NodePass{}, storage.ErrNotFound
	}
	return pass, nil
}

func (s *Store) DeleteNodePass(_ context.Context, marketID, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(marketID, licenseID)
	if _, ok := s.nodePasses[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.nodePasses, key)
	return nil
}

func (s *Store) ListNodePassesByOwner(_ context.Context, marketID, owner string) ([]token.NodePass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []token.NodePass
	for _, pass := range s.nodePasses {
		if pass.MarketID == marketID && pass.Owner == owner {
			result = append(result, pass)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LicenseID < result[j].LicenseID })
	return result, nil
}

// RedemptionStore implementation --------------------------------------------

func (s *Store) CreateRedemption(_ context.Context, rec redemption.Record) (redemption.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.redemptions[rec.Hash]; exists {
		return redemption.Record{}, fmt.Errorf("%w: redemption %s", storage.ErrConflict, rec.Hash)
	}

	rec.CreatedAt = time.Now().UTC()
	rec.LicenseIDs = append([]string(nil), rec.LicenseIDs...)
	s.redemptions[rec.Hash] = rec
	return rec, nil
}

func (s *Store) GetRedemption(_ context.Context, hash string) (redemption.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.redemptions[hash]
	if !ok {
		return redemption.Record{}, storage.ErrNotFound
	}
	rec.LicenseIDs = append([]string(nil), rec.LicenseIDs...)
	return rec, nil
}

func (s *Store) DeleteRedemption(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.redemptions[hash]; !ok {
		return storage.ErrNotFound
	}
	delete(s.redemptions, hash)
	return nil
}

// EventStore implementation -------------------------------------------------

func (s *Store) CreateEvent(_ context.Context, evt event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.CreatedAt = time.Now().UTC()
	s.events[evt.MarketID] = append(s.events[evt.MarketID], evt)
	return evt, nil
}

func (s *Store) ListEvents(_ context.Context, marketID string, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[marketID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	// newest first
	result := make([]event.Event, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}
