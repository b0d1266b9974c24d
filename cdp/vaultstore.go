// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
)

// VaultStore is pure state for vault tuples and per-collateral parameters.
// No logic in this file touches SortedIndex, StabilityPool, or any
// collaborator; only VaultOps is permitted to mutate it.
type VaultStore struct {
	mu sync.RWMutex

	vaults      map[common.Hash]*Vault
	collaterals map[common.Address]*CollateralParams
	validOrder  []common.Address // stable iteration order, Index into this slice never changes
}

// NewVaultStore returns an empty VaultStore.
func NewVaultStore() *VaultStore {
	return &VaultStore{
		vaults:      make(map[common.Hash]*Vault),
		collaterals: make(map[common.Address]*CollateralParams),
	}
}

// AddCollateral registers a new whitelisted collateral asset. Index is
// assigned as the next slot in validOrder and never reassigned afterward,
// since StabilityPool's per-asset error buckets are addressed by it.
func (vs *VaultStore) AddCollateral(asset common.Address, decimals uint8) (*CollateralParams, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, exists := vs.collaterals[asset]; exists {
		return nil, ErrInvalidParameter
	}

	cp := &CollateralParams{
		Active:             false,
		Decimals:           decimals,
		Index:              uint32(len(vs.validOrder)),
		MinRange:           new(big.Int).Set(dec18),
		MaxRange:           new(big.Int).Set(dec18),
		MCRFactor:          big.NewInt(0),
		BaseFee:            big.NewInt(0),
		MaxFee:             big.NewInt(0),
		MinNetDebt:         big.NewInt(0),
		MintCap:            big.NewInt(0),
		LiquidationPenalty: big.NewInt(0),
	}
	vs.collaterals[asset] = cp
	vs.validOrder = append(vs.validOrder, asset)
	return cp, nil
}

// SetCollateralParameters sets the full bounds-checked parameter set for an
// already-registered collateral asset.
func (vs *VaultStore) SetCollateralParameters(
	asset common.Address,
	minRange, maxRange, mcrFactor, baseFee, maxFee, minNetDebt, mintCap, liqPenalty *big.Int,
) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cp, exists := vs.collaterals[asset]
	if !exists {
		return ErrInvalidCollateral
	}
	if minRange.Cmp(dec18) < 0 {
		return ErrInvalidParameter // minRange must be >= 100%
	}
	if maxFee.Cmp(dec18) > 0 {
		return ErrInvalidParameter // maxFee must be <= 100%
	}
	if liqPenalty.Cmp(maxLiquidationPenalty) > 0 {
		return ErrInvalidParameter
	}
	if baseFee.Cmp(maxFee) > 0 {
		return ErrInvalidParameter
	}
	if maxRange.Cmp(minRange) < 0 {
		return ErrInvalidParameter
	}

	cp.MinRange = new(big.Int).Set(minRange)
	cp.MaxRange = new(big.Int).Set(maxRange)
	cp.MCRFactor = new(big.Int).Set(mcrFactor)
	cp.BaseFee = new(big.Int).Set(baseFee)
	cp.MaxFee = new(big.Int).Set(maxFee)
	cp.MinNetDebt = new(big.Int).Set(minNetDebt)
	cp.MintCap = new(big.Int).Set(mintCap)
	cp.LiquidationPenalty = new(big.Int).Set(liqPenalty)
	return nil
}

// SetIsActive toggles whether new vaults may be opened against a collateral.
func (vs *VaultStore) SetIsActive(asset common.Address, active bool) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cp, exists := vs.collaterals[asset]
	if !exists {
		return ErrInvalidCollateral
	}
	cp.Active = active
	return nil
}

// Collateral returns a read-only snapshot of a collateral's parameters.
func (vs *VaultStore) Collateral(asset common.Address) (*CollateralParams, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	cp, exists := vs.collaterals[asset]
	if !exists {
		return nil, ErrInvalidCollateral
	}
	cpy := *cp
	return &cpy, nil
}

// Vault returns a read-only snapshot of one vault; zero value if absent.
func (vs *VaultStore) Vault(owner, collateral common.Address) Vault {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	key := vaultKey(owner, collateral)
	v, exists := vs.vaults[key]
	if !exists {
		return Vault{Collateral: big.NewInt(0), Debt: big.NewInt(0), MCR: big.NewInt(0)}
	}
	return *v
}

// Load returns a copy of the vault at key, or a zero (inactive) vault.
func (vs *VaultStore) Load(key common.Hash) Vault {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return *vs.getLocked(key)
}

// Store writes v at key.
func (vs *VaultStore) Store(key common.Hash, v Vault) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.putLocked(key, &v)
}

// Clear destroys the vault at key (lastUpdate 0, empty amounts).
func (vs *VaultStore) Clear(key common.Hash) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.deleteLocked(key)
}

func (vs *VaultStore) getLocked(key common.Hash) *Vault {
	v, exists := vs.vaults[key]
	if !exists {
		return &Vault{Collateral: big.NewInt(0), Debt: big.NewInt(0), MCR: big.NewInt(0)}
	}
	return v
}

func (vs *VaultStore) putLocked(key common.Hash, v *Vault) {
	vs.vaults[key] = v
}

func (vs *VaultStore) deleteLocked(key common.Hash) {
	delete(vs.vaults, key)
}

// calculateNCR computes the Nominal CR: collateral*1e20/debt, or a nil
// result (meaning infinite) when debt is zero.
func calculateNCR(collateral, debt *big.Int) *big.Int {
	if debt.Sign() == 0 {
		return nil
	}
	return mulDiv(collateral, dec20, debt)
}

// calculateCR computes the price-dependent CR: collateral*price*100/debt,
// or nil (infinite) when debt is zero.
func calculateCR(collateral, price, debt *big.Int) *big.Int {
	if debt.Sign() == 0 {
		return nil
	}
	num := new(big.Int).Mul(collateral, price)
	num.Mul(num, big.NewInt(100))
	return num.Div(num, debt)
}

// calculateARS computes the Adjusted Risk Score, the SortedIndex sort key.
// nil NCR (infinite) or a zero mcrFactor both degrade ARS to the NCR itself.
func calculateARS(collateral, debt, mcr, mcrFactor *big.Int) *big.Int {
	ncr := calculateNCR(collateral, debt)
	if ncr == nil {
		return nil
	}
	if mcrFactor.Sign() == 0 {
		return new(big.Int).Set(ncr)
	}
	contribution := mulDiv(mcrFactor, mcr, dec18)
	return new(big.Int).Add(ncr, contribution)
}

// interestRate computes the per-annum, 1e18-scaled interest rate for a
// vault's chosen mcr against its collateral's linear fee curve.
func interestRate(cp *CollateralParams, mcr *big.Int) *big.Int {
	if mcr.Sign() == 0 {
		return big.NewInt(0)
	}
	if mcr.Cmp(cp.MaxRange) >= 0 {
		return new(big.Int).Set(cp.BaseFee)
	}
	if mcr.Cmp(cp.MinRange) <= 0 {
		return new(big.Int).Set(cp.MaxFee)
	}

	rangeWidth := new(big.Int).Sub(cp.MaxRange, cp.MinRange)
	feeSpread := new(big.Int).Sub(cp.MaxFee, cp.BaseFee)
	slope := mulDiv(feeSpread, dec18, rangeWidth)

	distFromMax := new(big.Int).Sub(cp.MaxRange, mcr)
	rate := mulDiv(slope, distFromMax, dec18)
	return rate.Add(rate, cp.BaseFee)
}

// checkVaultState enforces a vault's collateralization invariants. price may
// be nil only when debt is zero (CR is then infinite and vacuously satisfies
// > mcr).
func checkVaultState(cp *CollateralParams, v *Vault, price *big.Int) error {
	if !cp.Active {
		return ErrInactiveCollateral
	}
	if v.MCR.Cmp(cp.MinRange) < 0 || v.MCR.Cmp(cp.MaxRange) > 0 {
		return ErrInvalidMCR
	}
	if v.Debt.Cmp(cp.MinNetDebt) < 0 {
		return ErrVaultBelowMinDebt
	}
	if v.Debt.Sign() == 0 {
		return nil // CR == infinity, always satisfies CR > mcr
	}
	cr := calculateCR(v.Collateral, price, v.Debt)
	if cr.Cmp(v.MCR) <= 0 {
		return ErrVaultBelowMCR
	}
	return nil
}
