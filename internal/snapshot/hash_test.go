package snapshot

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/types"
)

func snap(positions ...types.SnapshotPosition) *types.AccountSnapshot {
	return &types.AccountSnapshot{
		AccountID:    1001,
		BusinessDate: types.NewDate(2025, time.January, 15),
		Positions:    positions,
	}
}

func pos(productID int64, qty, price string) types.SnapshotPosition {
	return types.SnapshotPosition{
		ProductID:    productID,
		Quantity:     decimal.RequireFromString(qty),
		Price:        decimal.RequireFromString(price),
		AvgCostPrice: decimal.RequireFromString(price),
	}
}

func TestContentHashStable(t *testing.T) {
	a := snap(pos(2001, "100", "150.00"), pos(2002, "50", "400.00"))
	b := snap(pos(2001, "100", "150.00"), pos(2002, "50", "400.00"))
	if ContentHash(a) != ContentHash(b) {
		t.Error("identical snapshots must hash identically")
	}
}

func TestContentHashOrderInsensitive(t *testing.T) {
	a := snap(pos(2001, "100", "150.00"), pos(2002, "50", "400.00"))
	b := snap(pos(2002, "50", "400.00"), pos(2001, "100", "150.00"))
	if ContentHash(a) != ContentHash(b) {
		t.Error("position order must not affect the hash")
	}
}

func TestContentHashScaleInsensitive(t *testing.T) {
	// 100 and 100.000000 are the same quantity; canonicalization fixes
	// the scale before hashing.
	a := snap(pos(2001, "100", "150.00"))
	b := snap(pos(2001, "100.000000", "150.0000000"))
	if ContentHash(a) != ContentHash(b) {
		t.Error("decimal scale must not affect the hash")
	}
}

func TestContentHashDetectsChange(t *testing.T) {
	tests := []struct {
		name string
		b    *types.AccountSnapshot
	}{
		{"quantity changed", snap(pos(2001, "101", "150.00"))},
		{"price changed", snap(pos(2001, "100", "151.00"))},
		{"position added", snap(pos(2001, "100", "150.00"), pos(2002, "1", "1.00"))},
		{"different product", snap(pos(2003, "100", "150.00"))},
	}

	base := snap(pos(2001, "100", "150.00"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ContentHash(base) == ContentHash(tt.b) {
				t.Error("changed snapshot must hash differently")
			}
		})
	}
}

func TestContentHashDifferentDates(t *testing.T) {
	a := snap(pos(2001, "100", "150.00"))
	b := snap(pos(2001, "100", "150.00"))
	b.BusinessDate = types.NewDate(2025, time.January, 16)
	if ContentHash(a) == ContentHash(b) {
		t.Error("business date is part of the canonical form")
	}
}

func TestTotals(t *testing.T) {
	s := snap(pos(2001, "100", "150.00"), pos(2002, "50", "400.00"))
	s.Positions[0].MVBase = decimal.RequireFromString("15000")
	s.Positions[1].MVBase = decimal.RequireFromString("20000")

	qty, mv := Totals(s)
	if !qty.Equal(decimal.RequireFromString("150")) {
		t.Errorf("total quantity = %s, want 150", qty)
	}
	if !mv.Equal(decimal.RequireFromString("35000")) {
		t.Errorf("total market value = %s, want 35000", mv)
	}
}
