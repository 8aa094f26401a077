// Package adapter defines the yield adapter capability contract. An adapter
// owns protocol-specific custody of deposited licenses and the movement of
// yield; the engine drives it through this fixed interface and never assumes
// anything about the protocol behind it.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Sentinel errors shared by all adapter implementations.
var (
	// ErrUnauthorized is returned when a custody-affecting call does not
	// present the credential issued to the engine for this market.
	ErrUnauthorized = errors.New("adapter: caller not authorized")
	// ErrHarvestCompleted is returned by Harvest once no further yield is
	// possible for the market.
	ErrHarvestCompleted = errors.New("adapter: harvest completed")
	// ErrHarvestNotCompleted is returned by Claim while the pool might
	// still grow.
	ErrHarvestNotCompleted = errors.New("adapter: harvest not completed")
	// ErrUnknownRedemption is returned by Withdraw for a hash that was
	// never redeemed or was already consumed.
	ErrUnknownRedemption = errors.New("adapter: unknown redemption")
	// ErrNotCustodian is returned when licenses are not in adapter custody.
	ErrNotCustodian = errors.New("adapter: license not in custody")
	// ErrCooldownActive is returned by Withdraw while protocol-imposed
	// timing constraints still apply.
	ErrCooldownActive = errors.New("adapter: cooldown active")
)

// Credential is the capability token scoping custody-affecting calls to the
// engine instance that deployed the market. Adapters reject every mutating
// call that does not present the bound credential.
type Credential string

// Adapter is the capability set every yield adapter implements. Mutating
// methods take the engine credential; accessors are open for off-chain reads.
type Adapter interface {
	// Name identifies the adapter implementation.
	Name() string
	// Token returns the yield token this adapter pays out.
	Token() string

	// Bind installs the engine credential. It may be called again when an
	// admin swaps the market's adapter, invalidating the previous one.
	Bind(cred Credential)

	// Setup takes custody of the depositor's licenses and returns the
	// operator set entitled to manage them inside the external protocol.
	Setup(ctx context.Context, cred Credential, depositor string, licenseIDs []string, data []byte) ([]string, error)

	// Harvest pulls newly available yield into adapter custody and returns
	// the amount harvested. Safe to call repeatedly; the same external
	// yield event is never reported twice. Returns ErrHarvestCompleted
	// once the adapter knows no further yield is possible.
	Harvest(ctx context.Context, cred Credential, data []byte) (*uint256.Int, error)

	// Claim releases amount of the yield token to recipient. Fails with
	// ErrHarvestNotCompleted before the final harvest.
	Claim(ctx context.Context, cred Credential, recipient string, amount *uint256.Int) error

	// Redeem records the intended recipient for a pending withdrawal.
	Redeem(ctx context.Context, cred Credential, recipient string, licenseIDs []string, redemptionHash string) error

	// Withdraw releases custody of the licenses to the recipient recorded
	// by Redeem and returns that recipient. Single-use per hash.
	Withdraw(ctx context.Context, cred Credential, licenseIDs []string, redemptionHash string) (string, error)

	// CumulativeYield is the total yield ever harvested by this adapter.
	CumulativeYield(ctx context.Context) (*uint256.Int, error)
	// ClaimableYield is the yield currently held and not yet claimed.
	ClaimableYield(ctx context.Context) (*uint256.Int, error)
	// HarvestCompleted reports whether the adapter reached its final
	// harvest, i.e. the pool can no longer grow.
	HarvestCompleted(ctx context.Context) (bool, error)
}

// Factory constructs a fresh adapter instance bound to one market.
type Factory func(marketID string) (Adapter, error)

// Registry maps adapter names to factories so markets can reference
// adapters by name in configuration and over the admin API.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named adapter factory. Re-registering a name replaces it.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New instantiates the named adapter for a market.
func (r *Registry) New(name, marketID string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	return factory(marketID)
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
