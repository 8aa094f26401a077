package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"
)

// StakingPoolAdapter is the reference adapter. It models a staking pool with
// an optional unstake cooldown: deposited licenses are held in custody, yield
// arrives through harvest notifications, and withdrawals are delayed until
// the cooldown elapses. Tests and local development run against it; protocol
// integrations implement the same contract against their external APIs.
type StakingPoolAdapter struct {
	marketID   string
	yieldToken string
	cooldown   time.Duration
	operator   string
	now        func() time.Time

	mu          sync.Mutex
	cred        Credential
	custody     map[string]string // licenseID -> depositor
	harvested   map[string]bool   // external yield event ids already counted
	cumulative  *uint256.Int
	claimable   *uint256.Int
	completed   bool
	redemptions map[string]poolRedemption
	payouts     map[string]*uint256.Int // recipient -> total paid out
}

type poolRedemption struct {
	recipient  string
	licenseIDs map[string]bool
	redeemedAt time.Time
}

// StakingPoolOption customises the reference adapter.
type StakingPoolOption func(*StakingPoolAdapter)

// WithCooldown sets the unstake cooldown enforced on Withdraw.
func WithCooldown(d time.Duration) StakingPoolOption {
	return func(a *StakingPoolAdapter) { a.cooldown = d }
}

// WithPoolClock overrides the adapter clock, used by tests.
func WithPoolClock(now func() time.Time) StakingPoolOption {
	return func(a *StakingPoolAdapter) { a.now = now }
}

// NewStakingPool returns a reference adapter for one market.
func NewStakingPool(marketID, yieldToken string, opts ...StakingPoolOption) *StakingPoolAdapter {
	a := &StakingPoolAdapter{
		marketID:    marketID,
		yieldToken:  yieldToken,
		operator:    "pool-operator",
		now:         time.Now,
		custody:     make(map[string]string),
		harvested:   make(map[string]bool),
		cumulative:  uint256.NewInt(0),
		claimable:   uint256.NewInt(0),
		redemptions: make(map[string]poolRedemption),
		payouts:     make(map[string]*uint256.Int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StakingPoolFactory returns a registry factory producing reference adapters
// paying out the given yield token.
func StakingPoolFactory(yieldToken string, opts ...StakingPoolOption) Factory {
	return func(marketID string) (Adapter, error) {
		return NewStakingPool(marketID, yieldToken, opts...), nil
	}
}

func (a *StakingPoolAdapter) Name() string  { return "stakingpool" }
func (a *StakingPoolAdapter) Token() string { return a.yieldToken }

func (a *StakingPoolAdapter) Bind(cred Credential) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cred = cred
}

func (a *StakingPoolAdapter) authorize(cred Credential) error {
	if a.cred == "" || cred != a.cred {
		return ErrUnauthorized
	}
	return nil
}

func (a *StakingPoolAdapter) Setup(_ context.Context, cred Credential, depositor string, licenseIDs []string, _ []byte) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.authorize(cred); err != nil {
		return nil, err
	}

	for _, id := range licenseIDs {
		if holder, ok := a.custody[id]; ok {
			return nil, fmt.Errorf("license %s already staked by %s", id, holder)
		}
	}
	for _, id := range licenseIDs {
		a.custody[id] = depositor
	}
	return []string{depositor, a.operator}, nil
}

// Harvest accepts a notification of yield pulled from the pool. The data is
// JSON: {"id": "...", "amount": "<decimal>", "final": bool}. Amounts are
// deduplicated by event id; an empty or zero notification is a no-op.
func (a *StakingPoolAdapter) Harvest(_ context.Context, cred Credential, data []byte) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.authorize(cred); err != nil {
		return nil, err
	}
	if a.completed {
		return nil, ErrHarvestCompleted
	}

	amount := uint256.NewInt(0)
	if len(data) > 0 {
		parsed := gjson.ParseBytes(data)
		if id := parsed.Get("id").String(); id != "" {
			if a.harvested[id] {
				return uint256.NewInt(0), nil
			}
			a.harvested[id] = true
		}
		if raw := parsed.Get("amount").String(); raw != "" {
			value, err := uint256.FromDecimal(raw)
			if err != nil {
				return nil, fmt.Errorf("parse harvest amount: %w", err)
			}
			amount = value
		}
		if parsed.Get("final").Bool() {
			a.completed = true
		}
	}

	a.cumulative = new(uint256.Int).Add(a.cumulative, amount)
	a.claimable = new(uint256.Int).Add(a.claimable, amount)
	return amount, nil
}

func (a *StakingPoolAdapter) Claim(_ context.Context, cred Credential, recipient string, amount *uint256.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.authorize(cred); err != nil {
		return err
	}
	if !a.completed {
		return ErrHarvestNotCompleted
	}
	if a.claimable.Lt(amount) {
		return fmt.Errorf("claim %s exceeds claimable %s", amount.Dec(), a.claimable.Dec())
	}

	a.claimable = new(uint256.Int).Sub(a.claimable, amount)
	paid, ok := a.payouts[recipient]
	if !ok {
		paid = uint256.NewInt(0)
	}
	a.payouts[recipient] = new(uint256.Int).Add(paid, amount)
	return nil
}

func (a *StakingPoolAdapter) Redeem(_ context.Context, cred Credential, recipient string, licenseIDs []string, redemptionHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.authorize(cred); err != nil {
		return err
	}
	for _, id := range licenseIDs {
		if _, ok := a.custody[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotCustodian, id)
		}
	}
	if _, exists := a.redemptions[redemptionHash]; exists {
		return fmt.Errorf("redemption %s already recorded", redemptionHash)
	}

	ids := make(map[string]bool, len(licenseIDs))
	for _, id := range licenseIDs {
		ids[id] = true
	}
	a.redemptions[redemptionHash] = poolRedemption{
		recipient:  recipient,
		licenseIDs: ids,
		redeemedAt: a.now(),
	}
	return nil
}

func (a *StakingPoolAdapter) Withdraw(_ context.Context, cred Credential, licenseIDs []string, redemptionHash string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.authorize(cred); err != nil {
		return "", err
	}

	pending, ok := a.redemptions[redemptionHash]
	if !ok {
		return "", ErrUnknownRedemption
	}
	if a.cooldown > 0 && a.now().Sub(pending.redeemedAt) < a.cooldown {
		return "", ErrCooldownActive
	}
	for _, id := range licenseIDs {
		if !pending.licenseIDs[id] {
			return "", fmt.Errorf("%w: license %s not part of redemption", ErrUnknownRedemption, id)
		}
	}

	for _, id := range licenseIDs {
		delete(a.custody, id)
	}
	delete(a.redemptions, redemptionHash)
	return pending.recipient, nil
}

func (a *StakingPoolAdapter) CumulativeYield(context.Context) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cumulative.Clone(), nil
}

func (a *StakingPoolAdapter) ClaimableYield(context.Context) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimable.Clone(), nil
}

func (a *StakingPoolAdapter) HarvestCompleted(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed, nil
}

// PaidOut reports the total yield released to a recipient. Test hook.
func (a *StakingPoolAdapter) PaidOut(recipient string) *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if paid, ok := a.payouts[recipient]; ok {
		return paid.Clone()
	}
	return uint256.NewInt(0)
}

// InCustody reports whether a license is currently held by the pool. Test hook.
func (a *StakingPoolAdapter) InCustody(licenseID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.custody[licenseID]
	return ok
}
