// Package snapshot canonicalizes upstream account snapshots and computes
// their content hash for duplicate detection.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/types"
)

// ContentHash returns the deterministic fingerprint of a snapshot.
//
// Canonical form: positions sorted by productId, each rendered with fixed
// decimal scale, NUL-separated fields. Timestamps and metadata are
// excluded so a byte-identical re-fetch of the same business state hashes
// identically regardless of when it was retrieved.
func ContentHash(s *types.AccountSnapshot) string {
	positions := make([]types.SnapshotPosition, len(s.Positions))
	copy(positions, s.Positions)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ProductID < positions[j].ProductID
	})

	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%d", s.AccountID)))
	h.Write([]byte{0})
	h.Write([]byte(s.BusinessDate.String()))
	h.Write([]byte{0})
	for i := range positions {
		p := &positions[i]
		h.Write([]byte(fmt.Sprintf("%d", p.ProductID)))
		h.Write([]byte{0})
		h.Write([]byte(p.Quantity.StringFixed(types.QuantityScale)))
		h.Write([]byte{0})
		h.Write([]byte(p.Price.StringFixed(types.PriceScale)))
		h.Write([]byte{0})
		h.Write([]byte(p.AvgCostPrice.StringFixed(types.PriceScale)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Totals sums quantity and market value across the snapshot for the
// SnapshotHash row.
func Totals(s *types.AccountSnapshot) (totalQty, totalMV decimal.Decimal) {
	for i := range s.Positions {
		totalQty = totalQty.Add(s.Positions[i].Quantity)
		totalMV = totalMV.Add(s.Positions[i].MVBase)
	}
	return totalQty, totalMV
}
