// Package engine implements the yield-pass market state machine: mint,
// harvest, claim, redeem and withdraw. It owns the share accounting and the
// harvested-yield pool; custody and protocol specifics live behind the
// adapter contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/redemption"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	"github.com/nodepass-labs/yieldpass/internal/app/services/markets"
	"github.com/nodepass-labs/yieldpass/internal/app/services/tokens"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Errors
var (
	ErrInvalidYieldPass = errors.New("unknown yield pass market")
	ErrInvalidWindow    = errors.New("action outside permitted time window")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrInvalidRecipient = errors.New("no recipient recorded for redemption hash")
	ErrStateConflict    = errors.New("claim state changed during external call")
	ErrConservation     = errors.New("claim state conservation violated")
)

// Service is the market accounting engine. All state-changing operations on
// one market are serialized by a market-scoped mutex, and claim state writes
// are version-checked so nothing an adapter does behind the engine's back
// can commit an inconsistent state.
type Service struct {
	markets     *markets.Service
	tokens      *tokens.Service
	store       storage.MarketStore
	redemptions storage.RedemptionStore
	recorder    *events.Recorder
	log         *logger.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the engine.
func New(registry *markets.Service, ledger *tokens.Service, store storage.MarketStore, redemptions storage.RedemptionStore, recorder *events.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	return &Service{
		markets:     registry,
		tokens:      ledger,
		store:       store,
		redemptions: redemptions,
		recorder:    recorder,
		log:         log,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the engine clock, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) lockMarket(marketID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[marketID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[marketID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Service) getMarket(ctx context.Context, marketID string) (market.Market, error) {
	m, err := s.markets.Get(ctx, marketID)
	if err != nil {
		if errors.Is(err, markets.ErrMarketNotFound) {
			return market.Market{}, ErrInvalidYieldPass
		}
		return market.Market{}, err
	}
	return m, nil
}

// checkConservation rejects any claim state where the unclaimed balance
// exceeds the cumulative harvest. Enforced before every commit so
// accounting drift cannot take hold.
func checkConservation(state market.ClaimState) error {
	total, err := token.ParseAmount(state.Total)
	if err != nil {
		return err
	}
	balance, err := token.ParseAmount(state.Balance)
	if err != nil {
		return err
	}
	if balance.Gt(total) {
		return fmt.Errorf("%w: balance %s exceeds total %s", ErrConservation, state.Balance, state.Total)
	}
	return nil
}

// MintParams describes one deposit.
type MintParams struct {
	MarketID       string   `json:"market_id"`
	Depositor      string   `json:"depositor"`
	YieldRecipient string   `json:"yield_recipient"`
	NodeRecipient  string   `json:"node_recipient"`
	Deadline       int64    `json:"deadline,omitempty"`
	LicenseIDs     []string `json:"license_ids"`
	AdapterData    []byte   `json:"adapter_data,omitempty"`
}

// MintResult reports the outcome of a deposit.
type MintResult struct {
	Shares    string   `json:"shares"`
	Harvested string   `json:"harvested"`
	Operators []string `json:"operators"`
}

// Mint deposits licenses into a market: the adapter takes custody,
// time-weighted yield-pass shares go to the yield recipient and one
// node-pass per license to the node recipient. Yield surfaced by the
// adapter during setup is folded into the pool atomically with the mint.
func (s *Service) Mint(ctx context.Context, params MintParams) (MintResult, error) {
	unlock := s.lockMarket(params.MarketID)
	defer unlock()

	m, err := s.getMarket(ctx, params.MarketID)
	if err != nil {
		return MintResult{}, err
	}

	now := s.now().Unix()
	if !m.InWindow(now) {
		return MintResult{}, fmt.Errorf("%w: mint at %d outside [%d, %d)", ErrInvalidWindow, now, m.StartTime, m.ExpiryTime)
	}
	if params.Deadline > 0 && now > params.Deadline {
		return MintResult{}, fmt.Errorf("%w: now %d past deadline %d", ErrDeadlineExceeded, now, params.Deadline)
	}
	if len(params.LicenseIDs) == 0 {
		return MintResult{}, fmt.Errorf("%w: no licenses", ErrInvalidAmount)
	}
	if params.YieldRecipient == "" || params.NodeRecipient == "" {
		return MintResult{}, fmt.Errorf("%w: recipients required", ErrInvalidAmount)
	}
	for _, id := range params.LicenseIDs {
		if id == "" {
			return MintResult{}, fmt.Errorf("%w: empty license id", ErrInvalidAmount)
		}
	}

	// Snapshot the claim state before calling out.
	state, err := s.store.GetClaimState(ctx, params.MarketID)
	if err != nil {
		return MintResult{}, fmt.Errorf("get claim state: %w", err)
	}

	bound, cred, err := s.markets.AdapterFor(ctx, params.MarketID)
	if err != nil {
		return MintResult{}, err
	}

	operators, err := bound.Setup(ctx, cred, params.Depositor, params.LicenseIDs, params.AdapterData)
	if err != nil {
		return MintResult{}, fmt.Errorf("adapter setup: %w", err)
	}

	// Some protocols surface pending yield while setting up custody; fold
	// it into the pool within the same commit as the mint.
	harvested, err := bound.Harvest(ctx, cred, nil)
	if err != nil {
		if !errors.Is(err, adapter.ErrHarvestCompleted) {
			return MintResult{}, fmt.Errorf("adapter harvest during setup: %w", err)
		}
		harvested = uint256.NewInt(0)
	}

	sharesOut := computeShares(len(params.LicenseIDs), m.StartTime, m.ExpiryTime, now)
	if sharesOut.IsZero() {
		return MintResult{}, fmt.Errorf("%w: zero shares", ErrInvalidAmount)
	}

	total, err := token.ParseAmount(state.Total)
	if err != nil {
		return MintResult{}, err
	}
	balance, err := token.ParseAmount(state.Balance)
	if err != nil {
		return MintResult{}, err
	}
	outstanding, err := token.ParseAmount(state.Shares)
	if err != nil {
		return MintResult{}, err
	}

	state.Total = token.FormatAmount(new(uint256.Int).Add(total, harvested))
	state.Balance = token.FormatAmount(new(uint256.Int).Add(balance, harvested))
	state.Shares = token.FormatAmount(new(uint256.Int).Add(outstanding, sharesOut))
	if err := checkConservation(state); err != nil {
		return MintResult{}, err
	}

	// Version-checked commit: a reentrant adapter call that touched the
	// claim state surfaces here as a conflict and aborts the mint.
	if _, err := s.store.UpdateClaimState(ctx, state); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return MintResult{}, fmt.Errorf("%w: %v", ErrStateConflict, err)
		}
		return MintResult{}, fmt.Errorf("update claim state: %w", err)
	}

	if err := s.tokens.MintShares(ctx, params.MarketID, params.YieldRecipient, sharesOut); err != nil {
		return MintResult{}, fmt.Errorf("mint shares: %w", err)
	}
	for _, licenseID := range params.LicenseIDs {
		if _, err := s.tokens.MintNodePass(ctx, params.MarketID, licenseID, params.NodeRecipient); err != nil {
			return MintResult{}, fmt.Errorf("mint node pass %s: %w", licenseID, err)
		}
	}

	m.DepositedCount += int64(len(params.LicenseIDs))
	if _, err := s.store.UpdateMarket(ctx, m); err != nil {
		return MintResult{}, fmt.Errorf("update market: %w", err)
	}

	s.log.WithField("market_id", params.MarketID).
		WithField("depositor", params.Depositor).
		WithField("licenses", len(params.LicenseIDs)).
		WithField("shares", sharesOut.Dec()).
		Info("licenses minted into market")

	s.recorder.Record(ctx, event.TypeMinted, params.MarketID, map[string]any{
		"depositor":       params.Depositor,
		"yield_recipient": params.YieldRecipient,
		"node_recipient":  params.NodeRecipient,
		"shares":          sharesOut.Dec(),
		"node_token":      m.NodeToken,
		"license_ids":     params.LicenseIDs,
		"operators":       operators,
	})

	return MintResult{
		Shares:    sharesOut.Dec(),
		Harvested: harvested.Dec(),
		Operators: operators,
	}, nil
}

// Harvest pulls newly available yield from the market's adapter into the
// pool. Open to anyone; a zero harvest is a no-op. The adapter's
// HarvestCompleted error propagates unchanged.
func (s *Service) Harvest(ctx context.Context, marketID string, adapterData []byte) (string, error) {
	unlock := s.lockMarket(marketID)
	defer unlock()

	if _, err := s.getMarket(ctx, marketID); err != nil {
		return "", err
	}

	state, err := s.store.GetClaimState(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("get claim state: %w", err)
	}

	bound, cred, err := s.markets.AdapterFor(ctx, marketID)
	if err != nil {
		return "", err
	}

	amount, err := bound.Harvest(ctx, cred, adapterData)
	if err != nil {
		return "", err
	}
	if amount.IsZero() {
		return "0", nil
	}

	total, err := token.ParseAmount(state.Total)
	if err != nil {
		return "", err
	}
	balance, err := token.ParseAmount(state.Balance)
	if err != nil {
		return "", err
	}

	state.Total = token.FormatAmount(new(uint256.Int).Add(total, amount))
	state.Balance = token.FormatAmount(new(uint256.Int).Add(balance, amount))
	if err := checkConservation(state); err != nil {
		return "", err
	}

	if _, err := s.store.UpdateClaimState(ctx, state); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return "", fmt.Errorf("%w: %v", ErrStateConflict, err)
		}
		return "", fmt.Errorf("update claim state: %w", err)
	}

	s.log.WithField("market_id", marketID).
		WithField("amount", amount.Dec()).
		Info("yield harvested")

	s.recorder.Record(ctx, event.TypeHarvested, marketID, map[string]any{
		"amount": amount.Dec(),
	})

	return amount.Dec(), nil
}

// Claim burns yield-pass shares after expiry and pays out the caller's
// pro-rata slice of the harvested pool. Claims open only once the adapter
// reports its final harvest, so every claimant against one snapshot sees
// the same price per share.
func (s *Service) Claim(ctx context.Context, marketID, caller, recipient, sharesAmount string) (string, error) {
	unlock := s.lockMarket(marketID)
	defer unlock()

	m, err := s.getMarket(ctx, marketID)
	if err != nil {
		return "", err
	}

	now := s.now().Unix()
	if !m.Expired(now) {
		return "", fmt.Errorf("%w: claim at %d before expiry %d", ErrInvalidWindow, now, m.ExpiryTime)
	}

	amount, err := token.ParseAmount(sharesAmount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount.IsZero() {
		return "", fmt.Errorf("%w: zero shares", ErrInvalidAmount)
	}

	held, err := s.tokens.Balance(ctx, marketID, caller)
	if err != nil {
		return "", err
	}
	if held.Lt(amount) {
		return "", fmt.Errorf("%w: balance %s below claim %s", ErrInvalidAmount, held.Dec(), amount.Dec())
	}

	bound, cred, err := s.markets.AdapterFor(ctx, marketID)
	if err != nil {
		return "", err
	}
	completed, err := bound.HarvestCompleted(ctx)
	if err != nil {
		return "", fmt.Errorf("harvest completed check: %w", err)
	}
	if !completed {
		return "", adapter.ErrHarvestNotCompleted
	}

	state, err := s.store.GetClaimState(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("get claim state: %w", err)
	}

	balance, err := token.ParseAmount(state.Balance)
	if err != nil {
		return "", err
	}
	outstanding, err := token.ParseAmount(state.Shares)
	if err != nil {
		return "", err
	}
	if outstanding.IsZero() {
		return "", fmt.Errorf("%w: no shares outstanding", ErrInvalidAmount)
	}

	yield := mulDivFloor(amount, balance, outstanding)

	if err := s.tokens.BurnShares(ctx, marketID, caller, amount); err != nil {
		return "", fmt.Errorf("burn shares: %w", err)
	}

	state.Shares = token.FormatAmount(new(uint256.Int).Sub(outstanding, amount))
	state.Balance = token.FormatAmount(new(uint256.Int).Sub(balance, yield))
	if err := checkConservation(state); err != nil {
		return "", err
	}
	committed, err := s.store.UpdateClaimState(ctx, state)
	if err != nil {
		// Re-credit the burned shares before surfacing the conflict.
		if restoreErr := s.tokens.MintShares(ctx, marketID, caller, amount); restoreErr != nil {
			s.log.WithError(restoreErr).Error("claim rollback failed")
		}
		if errors.Is(err, storage.ErrConflict) {
			return "", fmt.Errorf("%w: %v", ErrStateConflict, err)
		}
		return "", fmt.Errorf("update claim state: %w", err)
	}

	if err := bound.Claim(ctx, cred, recipient, yield); err != nil {
		// Payout failed: undo the burn and the pool decrement so the
		// claim leaves no partial state behind.
		restore := committed
		restore.Shares = token.FormatAmount(outstanding)
		restore.Balance = token.FormatAmount(balance)
		if _, restoreErr := s.store.UpdateClaimState(ctx, restore); restoreErr != nil {
			s.log.WithError(restoreErr).Error("claim state rollback failed")
		}
		if restoreErr := s.tokens.MintShares(ctx, marketID, caller, amount); restoreErr != nil {
			s.log.WithError(restoreErr).Error("claim rollback failed")
		}
		return "", fmt.Errorf("adapter claim: %w", err)
	}

	s.log.WithField("market_id", marketID).
		WithField("account", caller).
		WithField("shares", amount.Dec()).
		WithField("yield", yield.Dec()).
		Info("yield claimed")

	s.recorder.Record(ctx, event.TypeClaimed, marketID, map[string]any{
		"account":     caller,
		"recipient":   recipient,
		"shares":      amount.Dec(),
		"yield_token": bound.Token(),
		"yield":       yield.Dec(),
	})

	return yield.Dec(), nil
}

// Redeem burns the caller's node-passes for the given licenses and records
// the withdrawal intent with the adapter. The returned hash is the single
// key a later Withdraw, possibly from another caller, must present.
func (s *Service) Redeem(ctx context.Context, marketID, caller, recipient string, licenseIDs []string) (string, error) {
	unlock := s.lockMarket(marketID)
	defer unlock()

	if _, err := s.getMarket(ctx, marketID); err != nil {
		return "", err
	}
	if len(licenseIDs) == 0 {
		return "", fmt.Errorf("%w: no licenses", ErrInvalidAmount)
	}
	if recipient == "" {
		recipient = caller
	}

	// Ownership first, all-or-nothing.
	for _, licenseID := range licenseIDs {
		pass, err := s.tokens.NodePass(ctx, marketID, licenseID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", fmt.Errorf("%w: no node pass for license %s", ErrInvalidAmount, licenseID)
			}
			return "", err
		}
		if pass.Owner != caller {
			return "", fmt.Errorf("%w: license %s", tokens.ErrNotOwner, licenseID)
		}
	}

	salt := uuid.NewString()
	hash := redemption.ComputeHash(marketID, recipient, licenseIDs, salt)

	bound, cred, err := s.markets.AdapterFor(ctx, marketID)
	if err != nil {
		return "", err
	}
	if err := bound.Redeem(ctx, cred, recipient, licenseIDs, hash); err != nil {
		return "", fmt.Errorf("adapter redeem: %w", err)
	}

	for _, licenseID := range licenseIDs {
		if err := s.tokens.BurnNodePass(ctx, marketID, licenseID, caller); err != nil {
			return "", fmt.Errorf("burn node pass %s: %w", licenseID, err)
		}
	}

	if _, err := s.redemptions.CreateRedemption(ctx, redemption.Record{
		Hash:       hash,
		MarketID:   marketID,
		Account:    caller,
		Recipient:  recipient,
		LicenseIDs: licenseIDs,
		Salt:       salt,
	}); err != nil {
		return "", fmt.Errorf("create redemption: %w", err)
	}

	s.log.WithField("market_id", marketID).
		WithField("account", caller).
		WithField("licenses", len(licenseIDs)).
		Info("licenses redeemed")

	s.recorder.Record(ctx, event.TypeRedeemed, marketID, map[string]any{
		"account":     caller,
		"recipient":   recipient,
		"license_ids": licenseIDs,
	})

	return hash, nil
}

// Withdraw releases the underlying licenses to the recipient recorded by
// Redeem. The redemption record is single-use: a second withdraw with the
// same hash fails with ErrInvalidRecipient.
func (s *Service) Withdraw(ctx context.Context, marketID, caller string, licenseIDs []string, hash string) (string, error) {
	unlock := s.lockMarket(marketID)
	defer unlock()

	m, err := s.getMarket(ctx, marketID)
	if err != nil {
		return "", err
	}

	rec, err := s.redemptions.GetRedemption(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRecipient
		}
		return "", fmt.Errorf("get redemption: %w", err)
	}
	if rec.MarketID != marketID {
		return "", ErrInvalidRecipient
	}
	// The redemption record is all-or-nothing: a withdraw naming only part
	// of the redeemed set would consume the single-use record and strand
	// the rest in adapter custody.
	if len(licenseIDs) == 0 {
		licenseIDs = rec.LicenseIDs
	} else if !sameLicenseSet(licenseIDs, rec.LicenseIDs) {
		return "", fmt.Errorf("%w: licenses do not match redemption", ErrInvalidAmount)
	}

	bound, cred, err := s.markets.AdapterFor(ctx, marketID)
	if err != nil {
		return "", err
	}

	recipient, err := bound.Withdraw(ctx, cred, licenseIDs, hash)
	if err != nil {
		return "", err
	}

	if err := s.redemptions.DeleteRedemption(ctx, hash); err != nil {
		return "", fmt.Errorf("delete redemption: %w", err)
	}

	m.DepositedCount -= int64(len(rec.LicenseIDs))
	if m.DepositedCount < 0 {
		m.DepositedCount = 0
	}
	if _, err := s.store.UpdateMarket(ctx, m); err != nil {
		return "", fmt.Errorf("update market: %w", err)
	}

	s.log.WithField("market_id", marketID).
		WithField("recipient", recipient).
		WithField("licenses", len(licenseIDs)).
		Info("licenses withdrawn")

	s.recorder.Record(ctx, event.TypeWithdrawn, marketID, map[string]any{
		"account":     caller,
		"recipient":   recipient,
		"license_ids": licenseIDs,
	})

	return recipient, nil
}

// sameLicenseSet reports whether the two license id lists contain exactly
// the same set of ids.
func sameLicenseSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		seen[id] = true
	}
	for _, id := range a {
		if !seen[id] {
			return false
		}
	}
	return true
}
