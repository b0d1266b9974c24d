// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Vault is one collateralized debt position, one per (owner, collateral) pair.
type Vault struct {
	Collateral *big.Int // units of the collateral token held
	Debt       *big.Int // STABLE debt principal, including accrued interest as of LastUpdate
	MCR        *big.Int // chosen Minimum Collateral Ratio, scaled 1e18
	LastUpdate uint64   // timestamp of last interest accrual; 0 == no active vault
}

func (v *Vault) active() bool {
	return v != nil && v.LastUpdate != 0
}

// CollateralParams configures one whitelisted collateral asset.
type CollateralParams struct {
	Active   bool
	Decimals uint8
	Index    uint32 // position in validCollateral, stable for the asset's lifetime

	MinRange *big.Int // lower bound on user-chosen MCR, scaled 1e18
	MaxRange *big.Int // upper bound on user-chosen MCR, scaled 1e18

	MCRFactor *big.Int // contribution of MCR to ARS

	BaseFee *big.Int // interest-rate curve endpoint at MaxRange, per annum, scaled 1e18
	MaxFee  *big.Int // interest-rate curve endpoint at MinRange, per annum, scaled 1e18

	MinNetDebt *big.Int // lower bound on a vault's debt for this collateral
	MintCap    *big.Int // upper bound on total debt for this collateral

	LiquidationPenalty *big.Int // extra collateral fraction seized on liquidation, scaled 1e18, <= 30%
}

// MintRecipient is one entry of the interest-mint distribution list.
type MintRecipient struct {
	Recipient common.Address
	Bps       uint64
}

// globalState is the engine's aggregate accounting, mirrored across every
// collateral asset and kept reconciled against the sum of active vaults.
type globalState struct {
	ActiveVaults            uint64
	TotalProtocolDebt       *big.Int
	TotalAccruedDebt        *big.Int
	LastRecordedAccruedDebt *big.Int
	TotalDebt               map[common.Address]*big.Int
	TotalCollateral         map[common.Address]*big.Int
	RedemptionFee           *big.Int
}

func newGlobalState() *globalState {
	return &globalState{
		TotalProtocolDebt:       big.NewInt(0),
		TotalAccruedDebt:        big.NewInt(0),
		LastRecordedAccruedDebt: big.NewInt(0),
		TotalDebt:               make(map[common.Address]*big.Int),
		TotalCollateral:         make(map[common.Address]*big.Int),
		RedemptionFee:           big.NewInt(0),
	}
}

// vaultKey derives the stable arena handle for a (owner, collateral) vault,
// mirroring the positionKey/accountKey composite-key idiom: hash the two
// addresses with blake3 into a fixed 32-byte handle used by both VaultStore
// and SortedIndex.
func vaultKey(owner, collateral common.Address) common.Hash {
	h := blake3.New()
	h.Write(owner.Bytes())
	h.Write(collateral.Bytes())
	var key common.Hash
	h.Digest().Read(key[:])
	return key
}
