package engine

import (
	"github.com/holiman/uint256"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
)

// computeShares prices a deposit of count licenses at the given instant.
// Shares decay linearly to zero over the minting window:
//
//	shares = count * 1e18 * (expiry - now) / (expiry - start)
//
// so earlier depositors, who carry lock-up risk longer, receive more
// yield-pass per license. Integer math, floored.
func computeShares(count int, startTime, expiryTime, now int64) *uint256.Int {
	if count <= 0 || now < startTime || now >= expiryTime {
		return uint256.NewInt(0)
	}

	remaining := uint256.NewInt(uint64(expiryTime - now))
	window := uint256.NewInt(uint64(expiryTime - startTime))

	shares := new(uint256.Int).Mul(uint256.NewInt(uint64(count)), token.Unit())
	shares.Mul(shares, remaining)
	shares.Div(shares, window)
	return shares
}

// mulDivFloor computes a * b / c with flooring, used for pro-rata claims.
func mulDivFloor(a, b, c *uint256.Int) *uint256.Int {
	if c.IsZero() {
		return uint256.NewInt(0)
	}
	result := new(uint256.Int).Mul(a, b)
	return result.Div(result, c)
}
