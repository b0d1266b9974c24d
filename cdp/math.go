// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import "math/big"

// Fixed-point scale used throughout the engine: ratios, rates, prices, and
// the stability pool's running product P are all expressed at 1e18.
var (
	dec18          = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	dec20          = new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	scaleFactor    = big.NewInt(1_000_000_000) // 1e9, stability pool precision rescale
	secondsInYear  = big.NewInt(31_536_000)
	basisPointsDen = big.NewInt(10_000)

	maxLiquidationPenalty = mulDiv(big.NewInt(30), dec18, big.NewInt(100)) // 30%
	maxRedemptionFee      = mulDiv(big.NewInt(10), dec18, big.NewInt(100)) // 10%
)

// mulDiv computes a*b/c with a 256-bit-wide intermediate, the one primitive
// all scaled math in this package is built on.
func mulDiv(a, b, c *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	return num.Div(num, c)
}

// mulDivUp is mulDiv rounding the quotient up instead of truncating.
func mulDivUp(a, b, c *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, c, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// decPow raises a 1e18-scaled fixed-point base to an integer exponent via
// repeated squaring, with every multiplication performed at 1e18 scale.
// decPow(base, 0) == 1e18 for any base, including base == 0.
func decPow(base *big.Int, exp *big.Int) *big.Int {
	if exp.Sign() == 0 {
		return new(big.Int).Set(dec18)
	}

	result := new(big.Int).Set(dec18)
	b := new(big.Int).Set(base)
	e := new(big.Int).Set(exp)

	two := big.NewInt(2)
	zero := big.NewInt(0)

	for e.Cmp(zero) > 0 {
		rem := new(big.Int)
		half, _ := new(big.Int).DivMod(e, two, rem)
		if rem.Sign() != 0 {
			result = mulDiv(result, b, dec18)
		}
		b = mulDiv(b, b, dec18)
		e = half
	}
	return result
}

// bps converts a value in basis points (of 10,000) applied to amount.
func bps(amount *big.Int, basisPoints uint64) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(basisPoints), basisPointsDen)
}
