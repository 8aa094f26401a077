// Package market defines the yield-pass market and its claim accounting state.
package market

import "time"

// Status describes where a market sits in its lifecycle. It is derived from
// the clock and the adapter's harvest completion, never stored.
type Status string

const (
	// StatusPending means the minting window has not opened yet.
	StatusPending Status = "pending"
	// StatusMinting means deposits are currently accepted.
	StatusMinting Status = "minting"
	// StatusClaimable means the window has expired but harvesting may still
	// add yield, so claims are not yet allowed.
	StatusClaimable Status = "claimable"
	// StatusSettled means harvesting is complete and claims are open.
	StatusSettled Status = "settled"
)

// Market is one configured (license collection, window, adapter) instance.
// Core fields are immutable after deployment; only the adapter binding and
// the deposited counter change.
type Market struct {
	ID             string    `json:"id"`
	NodeToken      string    `json:"node_token"`
	YieldPassToken string    `json:"yield_pass_token"`
	NodePassToken  string    `json:"node_pass_token"`
	StartTime      int64     `json:"start_time"`
	ExpiryTime     int64     `json:"expiry_time"`
	AdapterName    string    `json:"adapter_name"`
	IsUserLocked   bool      `json:"is_user_locked"`
	DepositedCount int64     `json:"deposited_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InWindow reports whether minting is allowed at the given unix time.
func (m Market) InWindow(now int64) bool {
	return now >= m.StartTime && now < m.ExpiryTime
}

// Expired reports whether the market window has passed.
func (m Market) Expired(now int64) bool {
	return now >= m.ExpiryTime
}

// ClaimState tracks the harvested-yield pool for one market. All amounts are
// 18-decimal fixed point carried as decimal strings; arithmetic happens in
// the engine with uint256.
//
// Invariants: Balance <= Total, and Total == Balance + sum of all claims.
type ClaimState struct {
	MarketID  string    `json:"market_id"`
	Total     string    `json:"total"`
	Shares    string    `json:"shares"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewClaimState returns the zero claim state for a freshly deployed market.
func NewClaimState(marketID string) ClaimState {
	return ClaimState{
		MarketID: marketID,
		Total:    "0",
		Shares:   "0",
		Balance:  "0",
	}
}
