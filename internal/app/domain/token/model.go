// Package token defines the two derivative claims minted by a market: the
// fungible yield-pass share and the non-fungible node-pass.
package token

import "time"

// YieldBalance is a fungible yield-pass position for one account in one
// market. Amount is an 18-decimal fixed point decimal string.
type YieldBalance struct {
	MarketID  string    `json:"market_id"`
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodePass is the redemption key for one deposited license. Exactly one
// exists per deposited license; it carries no yield entitlement.
type NodePass struct {
	MarketID  string    `json:"market_id"`
	LicenseID string    `json:"license_id"`
	Owner     string    `json:"owner"`
	MintedAt  time.Time `json:"minted_at"`
}
