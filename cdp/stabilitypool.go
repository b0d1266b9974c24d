// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
)

// depositSnapshot captures the P/S state at the moment a depositor's
// balance was last touched; compounded value and collateral gains are
// computed lazily against it on the next touch.
type depositSnapshot struct {
	P     *big.Int
	Scale uint64
	Epoch uint64
	S     map[common.Address]*big.Int // per-asset S at time of snapshot
}

// StabilityPool holds STABLE deposits earmarked to absorb liquidated debt,
// using the Liquity-style running product/sum (P/S) scheme so that
// offsetDebt is O(1) in state writes regardless of depositor count.
type StabilityPool struct {
	mu sync.Mutex

	totalDeposits *big.Int
	deposits      map[common.Address]*big.Int
	snapshots     map[common.Address]*depositSnapshot

	p            *big.Int
	currentScale uint64
	currentEpoch uint64

	// epochToScaleToSum[asset][epoch][scale] -> running sum S
	epochToScaleToSum map[common.Address]map[uint64]map[uint64]*big.Int

	lastAssetError   map[uint32]*big.Int // keyed by CollateralParams.Index
	lastDebtLossError *big.Int
}

// NewStabilityPool returns an empty StabilityPool with P initialized to 1e18.
func NewStabilityPool() *StabilityPool {
	return &StabilityPool{
		totalDeposits:     big.NewInt(0),
		deposits:          make(map[common.Address]*big.Int),
		snapshots:         make(map[common.Address]*depositSnapshot),
		p:                 new(big.Int).Set(dec18),
		epochToScaleToSum: make(map[common.Address]map[uint64]map[uint64]*big.Int),
		lastAssetError:    make(map[uint32]*big.Int),
		lastDebtLossError: big.NewInt(0),
	}
}

// TotalDeposits returns the pool's current total STABLE deposits.
func (sp *StabilityPool) TotalDeposits() *big.Int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return new(big.Int).Set(sp.totalDeposits)
}

func (sp *StabilityPool) sumAt(asset common.Address, epoch, scale uint64) *big.Int {
	byEpoch, ok := sp.epochToScaleToSum[asset]
	if !ok {
		return big.NewInt(0)
	}
	byScale, ok := byEpoch[epoch]
	if !ok {
		return big.NewInt(0)
	}
	v, ok := byScale[scale]
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func (sp *StabilityPool) addSum(asset common.Address, epoch, scale uint64, delta *big.Int) {
	byEpoch, ok := sp.epochToScaleToSum[asset]
	if !ok {
		byEpoch = make(map[uint64]map[uint64]*big.Int)
		sp.epochToScaleToSum[asset] = byEpoch
	}
	byScale, ok := byEpoch[epoch]
	if !ok {
		byScale = make(map[uint64]*big.Int)
		byEpoch[epoch] = byScale
	}
	cur, ok := byScale[scale]
	if !ok {
		cur = big.NewInt(0)
	}
	byScale[scale] = new(big.Int).Add(cur, delta)
}

// compoundedDeposit computes a depositor's current compounded balance
// against their last snapshot.
func (sp *StabilityPool) compoundedDeposit(user common.Address) *big.Int {
	d0, ok := sp.deposits[user]
	if !ok || d0.Sign() == 0 {
		return big.NewInt(0)
	}
	snap, ok := sp.snapshots[user]
	if !ok {
		return big.NewInt(0)
	}
	if snap.Epoch < sp.currentEpoch {
		return big.NewInt(0)
	}

	scaleDiff := sp.currentScale - snap.Scale
	switch {
	case scaleDiff == 0:
		return mulDiv(d0, sp.p, snap.P)
	case scaleDiff == 1:
		v := mulDiv(d0, sp.p, snap.P)
		v.Div(v, scaleFactor)
		return v
	default:
		return big.NewInt(0)
	}
}

// compoundedDepositFloor applies the "< d0/1e9 rounds to 0" dust floor.
func compoundedDepositFloor(d0, compounded *big.Int) *big.Int {
	floor := new(big.Int).Div(d0, scaleFactor)
	if compounded.Cmp(floor) < 0 {
		return big.NewInt(0)
	}
	return compounded
}

// pendingGain computes the collateral gain for a single asset since the
// depositor's last snapshot.
func (sp *StabilityPool) pendingGain(user common.Address, asset common.Address) *big.Int {
	d0, ok := sp.deposits[user]
	if !ok || d0.Sign() == 0 {
		return big.NewInt(0)
	}
	snap, ok := sp.snapshots[user]
	if !ok {
		return big.NewInt(0)
	}
	if snap.Epoch < sp.currentEpoch {
		return big.NewInt(0)
	}

	s0 := snap.S[asset]
	if s0 == nil {
		s0 = big.NewInt(0)
	}
	sAtSnap := sp.sumAt(asset, snap.Epoch, snap.Scale)
	firstPortion := new(big.Int).Sub(sAtSnap, s0)
	secondPortion := new(big.Int).Div(sp.sumAt(asset, snap.Epoch, snap.Scale+1), scaleFactor)

	total := new(big.Int).Add(firstPortion, secondPortion)
	gain := mulDiv(d0, total, snap.P)
	gain.Div(gain, dec18)
	return gain
}

func (sp *StabilityPool) snapshotFor(assets []common.Address) *depositSnapshot {
	s := &depositSnapshot{
		P:     new(big.Int).Set(sp.p),
		Scale: sp.currentScale,
		Epoch: sp.currentEpoch,
		S:     make(map[common.Address]*big.Int),
	}
	// S is recorded for every asset with a running sum, not only the named
	// ones, so gains from before this touch are not counted again later;
	// pending gains on assets not named in this call are not paid out.
	for a := range sp.epochToScaleToSum {
		s.S[a] = sp.sumAt(a, sp.currentEpoch, sp.currentScale)
	}
	for _, a := range assets {
		s.S[a] = sp.sumAt(a, sp.currentEpoch, sp.currentScale)
	}
	return s
}

func ascending(assets []common.Address) bool {
	return sort.SliceIsSorted(assets, func(i, j int) bool {
		return assets[i].Cmp(assets[j]) < 0
	}) && func() bool {
		for i := 1; i < len(assets); i++ {
			if assets[i-1].Cmp(assets[i]) == 0 {
				return false
			}
		}
		return true
	}()
}

// Deposit accepts additional STABLE, paying out pending gains on every
// asset named in assets first. assets must be strictly ascending by
// address so the same asset can never be paid twice.
//
// The caller is responsible for performing the underlying STABLE transfer
// and the per-asset collateral payouts this method reports; StabilityPool
// itself only tracks ledger state (VaultOps/the host owns token movement).
func (sp *StabilityPool) Deposit(user common.Address, amount *big.Int, assets []common.Address) (gains map[common.Address]*big.Int, newDeposit *big.Int, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	if !ascending(assets) {
		return nil, nil, ErrArrayNotAscending
	}

	gains = make(map[common.Address]*big.Int, len(assets))
	for _, a := range assets {
		gains[a] = sp.pendingGain(user, a)
	}

	compounded := sp.compoundedDeposit(user)
	if d0, ok := sp.deposits[user]; ok {
		compounded = compoundedDepositFloor(d0, compounded)
	}

	newBalance := new(big.Int).Add(compounded, amount)
	sp.deposits[user] = newBalance
	sp.snapshots[user] = sp.snapshotFor(assets)
	sp.totalDeposits.Add(sp.totalDeposits, amount)

	return gains, new(big.Int).Set(newBalance), nil
}

// Withdraw transfers min(amount, compoundedDeposit) STABLE back to the
// depositor (amount == 0 is the idiomatic claim-rewards-only form) plus any
// pending gains on the named assets, and updates the snapshot.
func (sp *StabilityPool) Withdraw(user common.Address, amount *big.Int, assets []common.Address) (gains map[common.Address]*big.Int, withdrawn *big.Int, remaining *big.Int, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	d0, hasDeposit := sp.deposits[user]
	if !hasDeposit || d0.Sign() == 0 {
		return nil, nil, nil, ErrInsufficientDeposit
	}
	if !ascending(assets) {
		return nil, nil, nil, ErrArrayNotAscending
	}

	gains = make(map[common.Address]*big.Int, len(assets))
	for _, a := range assets {
		gains[a] = sp.pendingGain(user, a)
	}

	compounded := compoundedDepositFloor(d0, sp.compoundedDeposit(user))

	withdrawn = new(big.Int).Set(amount)
	if withdrawn.Cmp(compounded) > 0 {
		withdrawn = new(big.Int).Set(compounded)
	}

	remaining = new(big.Int).Sub(compounded, withdrawn)
	sp.deposits[user] = remaining
	sp.snapshots[user] = sp.snapshotFor(assets)
	sp.totalDeposits.Sub(sp.totalDeposits, withdrawn)

	return gains, withdrawn, new(big.Int).Set(remaining), nil
}

// userSnapshot captures one depositor's ledger entries, so a caller that
// moved on to a fallible external call after Deposit/Withdraw can restore
// them if that call fails.
type userSnapshot struct {
	hadDeposit bool
	deposit    *big.Int
	snapshot   *depositSnapshot
	total      *big.Int
}

// snapshotUser records user's current deposit, snapshot, and the pool's
// total deposits, for a later restore call.
func (sp *StabilityPool) snapshotUser(user common.Address) userSnapshot {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	d, ok := sp.deposits[user]
	s := userSnapshot{hadDeposit: ok, total: new(big.Int).Set(sp.totalDeposits)}
	if ok {
		s.deposit = new(big.Int).Set(d)
	}
	s.snapshot = sp.snapshots[user]
	return s
}

// restoreUser undoes a Deposit or Withdraw call whose effect must be rolled
// back because a later external call in the same operation failed.
func (sp *StabilityPool) restoreUser(user common.Address, s userSnapshot) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if s.hadDeposit {
		sp.deposits[user] = s.deposit
	} else {
		delete(sp.deposits, user)
	}
	if s.snapshot != nil {
		sp.snapshots[user] = s.snapshot
	} else {
		delete(sp.snapshots, user)
	}
	sp.totalDeposits = s.total
}

// OffsetDebt is callable only by VaultOps during liquidation. It burns
// debtToOffset STABLE from the pool's ledger and credits collAdded of
// asset's collateral across the P/S accounting, tracking rounding error
// in per-asset buckets so it nets out over repeated offsets.
func (sp *StabilityPool) OffsetDebt(debtToOffset *big.Int, asset common.Address, assetIndex uint32, collAdded *big.Int) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.totalDeposits.Sign() == 0 || debtToOffset.Sign() == 0 {
		return nil
	}
	if debtToOffset.Cmp(sp.totalDeposits) > 0 {
		return ErrStabilityPoolEmpty
	}

	lastAssetErr, ok := sp.lastAssetError[assetIndex]
	if !ok {
		lastAssetErr = big.NewInt(0)
	}

	collNumerator := new(big.Int).Mul(collAdded, dec18)
	collNumerator.Add(collNumerator, lastAssetErr)

	var debtLossPerUnit *big.Int
	emptying := debtToOffset.Cmp(sp.totalDeposits) == 0
	if emptying {
		debtLossPerUnit = new(big.Int).Set(dec18)
		sp.lastDebtLossError = big.NewInt(0)
	} else {
		lossNum := new(big.Int).Mul(debtToOffset, dec18)
		lossNum.Sub(lossNum, sp.lastDebtLossError)
		debtLossPerUnit = new(big.Int).Div(lossNum, sp.totalDeposits)
		debtLossPerUnit.Add(debtLossPerUnit, big.NewInt(1))
		newErr := new(big.Int).Mul(debtLossPerUnit, sp.totalDeposits)
		newErr.Sub(newErr, lossNum)
		sp.lastDebtLossError = newErr
	}

	collGainPerUnit := new(big.Int).Div(collNumerator, sp.totalDeposits)
	newAssetErr := new(big.Int).Mul(collGainPerUnit, sp.totalDeposits)
	newAssetErr.Sub(collNumerator, newAssetErr)
	sp.lastAssetError[assetIndex] = newAssetErr

	marginalGain := new(big.Int).Mul(collGainPerUnit, sp.p)
	sp.addSum(asset, sp.currentEpoch, sp.currentScale, marginalGain)

	productFactor := new(big.Int).Sub(dec18, debtLossPerUnit)
	if productFactor.Sign() == 0 {
		sp.currentEpoch++
		sp.currentScale = 0
		sp.p = new(big.Int).Set(dec18)
	} else {
		m := new(big.Int).Mul(sp.p, productFactor)
		scaled := new(big.Int).Div(m, dec18)
		if scaled.Cmp(scaleFactor) < 0 {
			np := new(big.Int).Mul(m, scaleFactor)
			np.Div(np, dec18)
			sp.p = np
			sp.currentScale++
		} else {
			sp.p = scaled
		}
		if sp.p.Sign() == 0 {
			return ErrInvalidParameter
		}
	}

	sp.totalDeposits.Sub(sp.totalDeposits, debtToOffset)
	return nil
}
