package engine

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestComputeShares(t *testing.T) {
	cases := []struct {
		name   string
		count  int
		start  int64
		expiry int64
		now    int64
		want   string
	}{
		{"full at window open", 1, 1000, 2000, 1000, "1000000000000000000"},
		{"half at midpoint", 1, 1000, 2000, 1500, "500000000000000000"},
		{"quarter near close", 1, 1000, 2000, 1750, "250000000000000000"},
		{"scales with count", 3, 1000, 2000, 1500, "1500000000000000000"},
		{"zero at expiry", 1, 1000, 2000, 2000, "0"},
		{"zero after expiry", 1, 1000, 2000, 2500, "0"},
		{"zero before start", 1, 1000, 2000, 500, "0"},
		{"zero count", 0, 1000, 2000, 1500, "0"},
		{"floors odd window", 1, 0, 3, 1, "666666666666666666"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeShares(tc.count, tc.start, tc.expiry, tc.now)
			if got.Dec() != tc.want {
				t.Fatalf("computeShares(%d, %d, %d, %d) = %s, want %s",
					tc.count, tc.start, tc.expiry, tc.now, got.Dec(), tc.want)
			}
		})
	}
}

func TestMulDivFloor(t *testing.T) {
	a := uint256.NewInt(10)
	b := uint256.NewInt(3)
	c := uint256.NewInt(4)
	if got := mulDivFloor(a, b, c); got.Dec() != "7" {
		t.Fatalf("10*3/4 = %s, want 7", got.Dec())
	}
	if got := mulDivFloor(a, b, uint256.NewInt(0)); !got.IsZero() {
		t.Fatalf("division by zero = %s, want 0", got.Dec())
	}
}
