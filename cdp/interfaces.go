// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// Token is the minimal fungible-token surface required of STABLE and every
// whitelisted collateral asset. Amounts cross this boundary as *uint256.Int
// (the wire-facing width); the engine converts to *big.Int internally.
type Token interface {
	Transfer(to common.Address, amount *uint256.Int) error
	TransferFrom(from, to common.Address, amount *uint256.Int) error
	BalanceOf(addr common.Address) (*uint256.Int, error)
}

// MintBurner is implemented by the STABLE token only; mint/burn authority is
// gated by a whitelist the token itself maintains (the engine is expected to
// be whitelisted as part of deployment, out of scope here).
type MintBurner interface {
	Token
	Mint(to common.Address, amount *uint256.Int) error
	Burn(from common.Address, amount *uint256.Int) error
}

// Oracle fetches an asset's price in STABLE units, scaled to 1e18. Staleness
// and feed failure are both surfaced as a non-nil error; the caller
// (VaultOps) wraps this as ErrOracleFailure and aborts the whole operation.
type Oracle interface {
	FetchPrice(asset common.Address) (*uint256.Int, error)
}

func u256ToBig(v *uint256.Int) *big.Int {
	return v.ToBig()
}

func bigToU256(v *big.Int) (*uint256.Int, error) {
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrInvalidParameter
	}
	return u, nil
}
