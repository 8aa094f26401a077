// Package markets is the market registry: it deploys yield-pass markets,
// binds adapters to them and answers market lookups.
package markets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Errors
var (
	ErrInvalidWindow  = errors.New("invalid market window")
	ErrMarketExists   = errors.New("market already deployed for collection and expiry")
	ErrUnknownAdapter = errors.New("adapter not registered")
	ErrMarketNotFound = errors.New("market not found")
)

type binding struct {
	adapter adapter.Adapter
	cred    adapter.Credential
}

// Service is the market registry.
type Service struct {
	store    storage.MarketStore
	adapters *adapter.Registry
	recorder *events.Recorder
	log      *logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	bindings map[string]binding
}

// New constructs the registry service.
func New(store storage.MarketStore, adapters *adapter.Registry, recorder *events.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("markets")
	}
	return &Service{
		store:    store,
		adapters: adapters,
		recorder: recorder,
		log:      log,
		now:      time.Now,
		bindings: make(map[string]binding),
	}
}

// WithClock overrides the registry clock, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// DeployParams configures a new market.
type DeployParams struct {
	NodeToken    string `json:"node_token"`
	StartTime    int64  `json:"start_time"`
	ExpiryTime   int64  `json:"expiry_time"`
	IsUserLocked bool   `json:"is_user_locked"`
	AdapterName  string `json:"adapter_name"`
}

// Deploy registers a new market, provisions its token pair and binds the
// named adapter with a fresh engine credential.
func (s *Service) Deploy(ctx context.Context, params DeployParams) (market.Market, error) {
	if params.NodeToken == "" {
		return market.Market{}, fmt.Errorf("node token required")
	}
	if params.StartTime >= params.ExpiryTime {
		return market.Market{}, fmt.Errorf("%w: start %d must precede expiry %d", ErrInvalidWindow, params.StartTime, params.ExpiryTime)
	}

	id := uuid.NewString()
	bound, err := s.adapters.New(params.AdapterName, id)
	if err != nil {
		return market.Market{}, fmt.Errorf("%w: %s", ErrUnknownAdapter, params.AdapterName)
	}

	m := market.Market{
		ID:             id,
		NodeToken:      params.NodeToken,
		YieldPassToken: "yp-" + id,
		NodePassToken:  "np-" + id,
		StartTime:      params.StartTime,
		ExpiryTime:     params.ExpiryTime,
		AdapterName:    params.AdapterName,
		IsUserLocked:   params.IsUserLocked,
	}

	created, err := s.store.CreateMarket(ctx, m)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return market.Market{}, fmt.Errorf("%w: %s expiry %d", ErrMarketExists, params.NodeToken, params.ExpiryTime)
		}
		return market.Market{}, fmt.Errorf("create market: %w", err)
	}

	cred := adapter.Credential(uuid.NewString())
	bound.Bind(cred)

	s.mu.Lock()
	s.bindings[created.ID] = binding{adapter: bound, cred: cred}
	s.mu.Unlock()

	s.log.WithField("market_id", created.ID).
		WithField("node_token", created.NodeToken).
		WithField("adapter", created.AdapterName).
		Info("market deployed")

	s.recorder.Record(ctx, event.TypeYieldPassDeployed, created.ID, map[string]any{
		"node_token":     created.NodeToken,
		"yield_pass":     created.YieldPassToken,
		"node_pass":      created.NodePassToken,
		"start_time":     created.StartTime,
		"expiry_time":    created.ExpiryTime,
		"adapter":        created.AdapterName,
		"is_user_locked": created.IsUserLocked,
	})

	return created, nil
}

// SetAdapter swaps the market's adapter and re-issues the engine credential.
// The previous adapter's credential is invalidated by the swap.
func (s *Service) SetAdapter(ctx context.Context, marketID, adapterName string) (market.Market, error) {
	m, err := s.Get(ctx, marketID)
	if err != nil {
		return market.Market{}, err
	}

	bound, err := s.adapters.New(adapterName, marketID)
	if err != nil {
		return market.Market{}, fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterName)
	}

	m.AdapterName = adapterName
	updated, err := s.store.UpdateMarket(ctx, m)
	if err != nil {
		return market.Market{}, fmt.Errorf("update market: %w", err)
	}

	cred := adapter.Credential(uuid.NewString())
	bound.Bind(cred)

	s.mu.Lock()
	s.bindings[marketID] = binding{adapter: bound, cred: cred}
	s.mu.Unlock()

	s.log.WithField("market_id", marketID).
		WithField("adapter", adapterName).
		Info("market adapter changed")

	s.recorder.Record(ctx, event.TypeAdapterChanged, marketID, map[string]any{
		"adapter": adapterName,
	})

	return updated, nil
}

// Get retrieves a market by id.
func (s *Service) Get(ctx context.Context, id string) (market.Market, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return market.Market{}, ErrMarketNotFound
		}
		return market.Market{}, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

// List returns all deployed markets.
func (s *Service) List(ctx context.Context) ([]market.Market, error) {
	return s.store.ListMarkets(ctx)
}

// ClaimState returns the current claim accounting state of a market.
func (s *Service) ClaimState(ctx context.Context, marketID string) (market.ClaimState, error) {
	state, err := s.store.GetClaimState(ctx, marketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return market.ClaimState{}, ErrMarketNotFound
		}
		return market.ClaimState{}, fmt.Errorf("get claim state: %w", err)
	}
	return state, nil
}

// AdapterFor returns the live adapter binding for a market, instantiating
// and binding one on demand after a restart.
func (s *Service) AdapterFor(ctx context.Context, marketID string) (adapter.Adapter, adapter.Credential, error) {
	s.mu.RLock()
	b, ok := s.bindings[marketID]
	s.mu.RUnlock()
	if ok {
		return b.adapter, b.cred, nil
	}

	m, err := s.Get(ctx, marketID)
	if err != nil {
		return nil, "", err
	}

	bound, err := s.adapters.New(m.AdapterName, marketID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownAdapter, m.AdapterName)
	}
	cred := adapter.Credential(uuid.NewString())
	bound.Bind(cred)

	s.mu.Lock()
	// Another caller may have rebound concurrently; keep the first.
	if existing, ok := s.bindings[marketID]; ok {
		s.mu.Unlock()
		return existing.adapter, existing.cred, nil
	}
	s.bindings[marketID] = binding{adapter: bound, cred: cred}
	s.mu.Unlock()

	return bound, cred, nil
}

// Status derives the lifecycle state of a market from the clock and the
// adapter's harvest completion.
func (s *Service) Status(ctx context.Context, m market.Market) (market.Status, error) {
	now := s.now().Unix()
	switch {
	case now < m.StartTime:
		return market.StatusPending, nil
	case now < m.ExpiryTime:
		return market.StatusMinting, nil
	}

	bound, _, err := s.AdapterFor(ctx, m.ID)
	if err != nil {
		return "", err
	}
	completed, err := bound.HarvestCompleted(ctx)
	if err != nil {
		return "", fmt.Errorf("harvest completed check: %w", err)
	}
	if completed {
		return market.StatusSettled, nil
	}
	return market.StatusClaimable, nil
}
