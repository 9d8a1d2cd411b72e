package ledger

import (
	"math"
	"math/big"
	"testing"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   float64
		decimals uint8
		want     string
	}{
		{amount: 500, decimals: 9, want: "500000000000"},
		{amount: 0.1, decimals: 18, want: "100000000000000000"},
		{amount: 1.23456789, decimals: 6, want: "1234567"},
		{amount: 42, decimals: 0, want: "42"},
	}
	for _, tc := range cases {
		raw, err := ToBaseUnits(tc.amount, tc.decimals)
		if err != nil {
			t.Fatalf("ToBaseUnits(%v, %d): %v", tc.amount, tc.decimals, err)
		}
		if raw.String() != tc.want {
			t.Fatalf("ToBaseUnits(%v, %d) = %s, want %s", tc.amount, tc.decimals, raw, tc.want)
		}
	}
}

func TestToBaseUnitsRejects(t *testing.T) {
	if _, err := ToBaseUnits(0, 9); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := ToBaseUnits(-1, 9); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := ToBaseUnits(math.NaN(), 9); err == nil {
		t.Fatalf("expected error for NaN")
	}
	if _, err := ToBaseUnits(0.0000001, 2); err == nil {
		t.Fatalf("expected error for dust below precision")
	}
	if _, err := ToBaseUnits(1e60, 36); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestFromBaseUnits(t *testing.T) {
	if got := FromBaseUnits(big.NewInt(1_500_000_000), 9); got != 1.5 {
		t.Fatalf("unexpected amount %v", got)
	}
	if got := FromBaseUnits(nil, 9); got != 0 {
		t.Fatalf("expected zero for nil raw amount")
	}
}
