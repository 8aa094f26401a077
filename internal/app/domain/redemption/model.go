// Package redemption defines the single-use record binding a withdrawal
// intent to a recipient.
package redemption

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Record is created by redeem and consumed (deleted) by withdraw. The hash
// is deterministic over the record contents so a later withdraw, possibly
// from a different caller, can prove it refers to this redemption.
type Record struct {
	Hash       string    `json:"hash"`
	MarketID   string    `json:"market_id"`
	Account    string    `json:"account"`
	Recipient  string    `json:"recipient"`
	LicenseIDs []string  `json:"license_ids"`
	Salt       string    `json:"salt"`
	CreatedAt  time.Time `json:"created_at"`
}

// ComputeHash derives the redemption hash from the market, recipient, the
// sorted license set and a per-redemption salt.
func ComputeHash(marketID, recipient string, licenseIDs []string, salt string) string {
	ids := make([]string, len(licenseIDs))
	copy(ids, licenseIDs)
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(marketID))
	h.Write([]byte{0})
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}
