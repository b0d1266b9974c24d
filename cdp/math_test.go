// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"testing"
)

func bigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big.Int literal: " + s)
	}
	return v
}

func TestMulDiv_Basic(t *testing.T) {
	got := mulDiv(bigInt("1000000000000000000"), bigInt("2000000000000000000"), dec18)
	want := bigInt("2000000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("mulDiv(1e18, 2e18, 1e18) = %s, want %s", got, want)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got := mulDiv(big.NewInt(7), big.NewInt(1), big.NewInt(2))
	if got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("mulDiv(7,1,2) = %s, want 3 (truncated)", got)
	}
}

func TestMulDivUp_RoundsUp(t *testing.T) {
	got := mulDivUp(big.NewInt(7), big.NewInt(1), big.NewInt(2))
	if got.Cmp(big.NewInt(4)) != 0 {
		t.Errorf("mulDivUp(7,1,2) = %s, want 4", got)
	}
	exact := mulDivUp(big.NewInt(8), big.NewInt(1), big.NewInt(2))
	if exact.Cmp(big.NewInt(4)) != 0 {
		t.Errorf("mulDivUp(8,1,2) = %s, want 4 (exact, no rounding)", exact)
	}
}

func TestDecPow_IdentityAtZero(t *testing.T) {
	for _, base := range []*big.Int{big.NewInt(0), dec18, bigInt("2000000000000000000")} {
		got := decPow(base, big.NewInt(0))
		if got.Cmp(dec18) != 0 {
			t.Errorf("decPow(%s, 0) = %s, want 1e18", base, got)
		}
	}
}

func TestDecPow_IdentityBase(t *testing.T) {
	got := decPow(dec18, big.NewInt(1000))
	if got.Cmp(dec18) != 0 {
		t.Errorf("decPow(1e18, 1000) = %s, want 1e18", got)
	}
}

func TestDecPow_Multiplicativity(t *testing.T) {
	// base^(m+n) == base^m * base^n / 1e18
	base := bigInt("1000000000100000000") // 1.0000000001 in 1e18 scale
	m := big.NewInt(100)
	n := big.NewInt(50)

	lhs := decPow(base, new(big.Int).Add(m, n))
	rhs := mulDiv(decPow(base, m), decPow(base, n), dec18)

	diff := new(big.Int).Sub(lhs, rhs)
	diff.Abs(diff)
	if diff.Cmp(big.NewInt(1)) > 0 { // allow 1 wei of truncation drift
		t.Errorf("decPow(base,m+n)=%s != decPow(base,m)*decPow(base,n)/1e18=%s", lhs, rhs)
	}
}

func TestDecPow_Monotonicity(t *testing.T) {
	base := bigInt("1000000000100000000") // > 1.0
	prev := decPow(base, big.NewInt(0))
	for exp := 1; exp <= 20; exp++ {
		cur := decPow(base, big.NewInt(int64(exp)))
		if cur.Cmp(prev) < 0 {
			t.Fatalf("decPow not monotonic at exp=%d: %s < %s", exp, cur, prev)
		}
		prev = cur
	}
}

func TestDecPow_OneYearCompounding(t *testing.T) {
	// rate = 5% per annum -> perSecond = 1e18 + rate/SECONDS_IN_YEAR
	rate := bigInt("50000000000000000") // 5e16 = 5%
	perSecond := new(big.Int).Add(dec18, new(big.Int).Div(rate, secondsInYear))
	factor := decPow(perSecond, secondsInYear)

	// Should be close to e^0.05 ~= 1.05127 at 1e18 scale, definitely > 1e18
	// and comfortably below 2e18 for a 5% annual rate.
	if factor.Cmp(dec18) <= 0 {
		t.Errorf("one year of positive interest must grow debt, got factor=%s", factor)
	}
	upperBound := bigInt("1100000000000000000") // 1.10e18
	if factor.Cmp(upperBound) >= 0 {
		t.Errorf("5%% annual compounding should stay well under 10%% growth, got factor=%s", factor)
	}
}
