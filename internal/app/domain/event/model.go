// Package event defines the engine events consumed by off-chain indexers.
package event

import "time"

// Type identifies an engine event.
type Type string

const (
	TypeYieldPassDeployed Type = "yield_pass_deployed"
	TypeAdapterChanged    Type = "adapter_changed"
	TypeMinted            Type = "minted"
	TypeHarvested         Type = "harvested"
	TypeClaimed           Type = "claimed"
	TypeRedeemed          Type = "redeemed"
	TypeWithdrawn         Type = "withdrawn"
)

// Event is one engine state transition. Payload keys mirror the public
// surface (depositor, recipients, shares, license ids, operators, amounts).
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	MarketID  string         `json:"market_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
