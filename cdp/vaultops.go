// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
)

// Engine is the orchestrator: create/adjust/close/liquidate/redeem/transfer,
// interest accrual, and interest-mint distribution. It invokes VaultStore,
// SortedIndex, StabilityPool, the oracle, and token collaborators, and is
// the single object every mutating call is serialized through.
//
// The reentrancy guard is a locked bool under a plain mutex, checked and
// set before doing any work and cleared by a deferred unlock. There is no
// legitimate nested call into Engine, so a re-entrant call aborts
// immediately instead of queueing.
type Engine struct {
	mu     sync.Mutex
	locked bool

	// initialized gates every vault-lifecycle operation; it is set exactly
	// once by Initialize, after admin setup (AddNewCollateral,
	// SetCollateralParameters, RegisterToken, ...) has finished wiring
	// collaborators and collateral parameters.
	initialized bool

	owner  common.Address
	stable MintBurner
	oracle Oracle
	tokens map[common.Address]Token

	store *VaultStore
	index *SortedIndex
	pool  *StabilityPool

	// owners recovers the address behind a vault ID for operations (like
	// redemption) that walk the SortedIndex rather than starting from a
	// known (owner, collateral) pair. vaultKey is a one-way hash, so this
	// side table is the only way back from id to address.
	owners map[common.Hash]common.Address

	global *globalState

	mintRecipients           []MintRecipient
	defaultInterestRecipient common.Address

	clock func() uint64
	log   zerolog.Logger
}

// NewEngine wires the four components together behind one reentrancy guard.
func NewEngine(owner common.Address, stable MintBurner, oracle Oracle, log zerolog.Logger) *Engine {
	return &Engine{
		owner:  owner,
		stable: stable,
		oracle: oracle,
		tokens: make(map[common.Address]Token),
		store:  NewVaultStore(),
		index:  NewSortedIndex(),
		pool:   NewStabilityPool(),
		owners: make(map[common.Hash]common.Address),
		global: newGlobalState(),
		clock:  func() uint64 { return uint64(time.Now().Unix()) },
		log:    log,
	}
}

// SetClock overrides the engine's notion of "now"; used by tests to drive
// deterministic interest accrual.
func (e *Engine) SetClock(clock func() uint64) { e.clock = clock }

func (e *Engine) lock() error {
	e.mu.Lock()
	if e.locked {
		e.mu.Unlock()
		return ErrReentrancyBlocked
	}
	e.locked = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) unlock() {
	e.mu.Lock()
	e.locked = false
	e.mu.Unlock()
}

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.owner {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) requireInitialized() error {
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Initialize is the one-shot, owner-gated call that finalizes collateral
// and collaborator setup and unlocks every vault-lifecycle operation.
// AddNewCollateral, SetCollateralParameters, RegisterToken and the other
// admin setters may run any number of times before it; every vault
// operation refuses to run with ErrNotInitialized until it has been called.
func (e *Engine) Initialize(caller common.Address) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if e.initialized {
		return ErrAlreadyInitialized
	}
	e.initialized = true
	return nil
}

// reversibleStep is one external collaborator call paired with the
// compensating call that best-effort undoes it. do is attempted in order;
// if one fails, every already-succeeded step's undo runs in reverse order
// before the error is returned.
type reversibleStep struct {
	do   func() error
	undo func()
}

// runSteps executes steps in order, unwinding on the first failure.
func runSteps(steps []reversibleStep) error {
	for i, step := range steps {
		if err := step.do(); err != nil {
			for j := i - 1; j >= 0; j-- {
				steps[j].undo()
			}
			return fmt.Errorf("%w: %v", ErrTokenTransferFailed, err)
		}
	}
	return nil
}

// RegisterToken associates a Token collaborator with a collateral asset;
// owner-gated, mutates parameters only.
func (e *Engine) RegisterToken(caller, asset common.Address, token Token) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.tokens[asset] = token
	return nil
}

// AddNewCollateral registers asset as a whitelisted collateral (inactive
// until SetCollateralParameters + SetIsActive are also called).
func (e *Engine) AddNewCollateral(caller, asset common.Address, decimals uint8) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	_, err := e.store.AddCollateral(asset, decimals)
	return err
}

// SetCollateralParameters is the owner-gated bounds-checked parameter setter.
func (e *Engine) SetCollateralParameters(caller, asset common.Address, minRange, maxRange, mcrFactor, baseFee, maxFee, minNetDebt, mintCap, liqPenalty *big.Int) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.store.SetCollateralParameters(asset, minRange, maxRange, mcrFactor, baseFee, maxFee, minNetDebt, mintCap, liqPenalty)
}

// SetIsActive toggles whether new vaults may be opened against asset.
func (e *Engine) SetIsActive(caller, asset common.Address, active bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.store.SetIsActive(asset, active)
}

// SetRedemptionFee sets the protocol-wide redemption fee, hard-capped at 10%.
func (e *Engine) SetRedemptionFee(caller common.Address, fee *big.Int) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if fee.Cmp(maxRedemptionFee) > 0 {
		return ErrInvalidParameter
	}
	e.global.RedemptionFee = new(big.Int).Set(fee)
	return nil
}

// SetMintRecipients installs the interest-mint distribution list; Σbps must
// not exceed 10000 (need not equal it — any shortfall falls to
// defaultInterestRecipient, or is retained unminted if that is unset).
func (e *Engine) SetMintRecipients(caller common.Address, recipients []MintRecipient) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	var total uint64
	for _, r := range recipients {
		total += r.Bps
	}
	if total > 10_000 {
		return ErrInvalidParameter
	}
	e.mintRecipients = append([]MintRecipient(nil), recipients...)
	return nil
}

// SetDefaultInterestRecipient sets the catch-all recipient for any mint
// shortfall left after mintRecipients are paid.
func (e *Engine) SetDefaultInterestRecipient(caller, recipient common.Address) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	e.defaultInterestRecipient = recipient
	return nil
}

// arsOracleFor builds a SortedIndex arsOracle closure over a collateral's
// current parameters, resolving a vault ID back to its ARS.
func (e *Engine) arsOracleFor(asset common.Address, cp *CollateralParams) arsOracle {
	return func(id common.Hash) *big.Int {
		v := e.store.Load(id)
		if !v.active() {
			return nil
		}
		return calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)
	}
}

// manageDebtInterest accrues compound interest on one vault up to the
// engine's current clock. It is the first thing every mutating entry
// point does to an existing vault.
func (e *Engine) manageDebtInterest(asset common.Address, key common.Hash, cp *CollateralParams) (Vault, error) {
	v := e.store.Load(key)
	now := e.clock()

	if !v.active() {
		v.LastUpdate = now
		return v, nil
	}

	deltaT := now - v.LastUpdate
	if deltaT > 0 && v.Debt.Sign() > 0 {
		rate := interestRate(cp, v.MCR)
		perSecond := new(big.Int).Add(dec18, new(big.Int).Div(rate, secondsInYear))
		factor := decPow(perSecond, new(big.Int).SetUint64(deltaT))
		newDebt := mulDiv(v.Debt, factor, dec18)
		accrued := new(big.Int).Sub(newDebt, v.Debt)

		v.Debt = newDebt
		e.global.TotalAccruedDebt.Add(e.global.TotalAccruedDebt, accrued)
		e.addDebt(asset, accrued)
		e.global.TotalProtocolDebt.Add(e.global.TotalProtocolDebt, accrued)
	}
	v.LastUpdate = now
	e.store.Store(key, v)
	return v, nil
}

func (e *Engine) addDebt(asset common.Address, delta *big.Int) {
	cur, ok := e.global.TotalDebt[asset]
	if !ok {
		cur = big.NewInt(0)
	}
	e.global.TotalDebt[asset] = new(big.Int).Add(cur, delta)
}

func (e *Engine) addCollateral(asset common.Address, delta *big.Int) {
	cur, ok := e.global.TotalCollateral[asset]
	if !ok {
		cur = big.NewInt(0)
	}
	e.global.TotalCollateral[asset] = new(big.Int).Add(cur, delta)
}

func (e *Engine) collateralToken(asset common.Address) (Token, error) {
	t, ok := e.tokens[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no token registered for collateral", ErrInvalidCollateral)
	}
	return t, nil
}

func (e *Engine) price(asset common.Address) (*big.Int, error) {
	p, err := e.oracle.FetchPrice(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleFailure, err)
	}
	return u256ToBig(p), nil
}

// UpdateVaultInterest is the public, unprivileged form of manageDebtInterest.
// A second call at the same timestamp is a no-op.
func (e *Engine) UpdateVaultInterest(owner, asset common.Address) (Vault, error) {
	if err := e.lock(); err != nil {
		return Vault{}, err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return Vault{}, err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return Vault{}, err
	}
	key := vaultKey(owner, asset)
	return e.manageDebtInterest(asset, key, cp)
}

// CreateVault opens a new (owner, collateral) vault.
func (e *Engine) CreateVault(owner, asset common.Address, collAmt, debtAmt, mcr *big.Int, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	existing, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if existing.Collateral.Sign() != 0 {
		return ErrVaultAlreadyExists
	}

	v := Vault{
		Collateral: new(big.Int).Set(collAmt),
		Debt:       new(big.Int).Set(debtAmt),
		MCR:        new(big.Int).Set(mcr),
		LastUpdate: e.clock(),
	}

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	if err := checkVaultState(cp, &v, price); err != nil {
		return err
	}

	newTotalDebt := new(big.Int).Add(e.totalDebt(asset), debtAmt)
	if newTotalDebt.Cmp(cp.MintCap) > 0 {
		return ErrMintCapExceeded
	}

	token, err := e.collateralToken(asset)
	if err != nil {
		return err
	}
	collU256, err := bigToU256(collAmt)
	if err != nil {
		return err
	}
	debtU256, err := bigToU256(debtAmt)
	if err != nil {
		return err
	}

	// Resolve the index position before touching any collaborator: Insert
	// (which rejects an ID already indexed; bad hints only fall back to a
	// search) fails cheaply here, before any token has moved.
	ars := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)
	if err := e.index.Insert(asset, key, ars, prevHint, nextHint, e.arsOracleFor(asset, cp)); err != nil {
		return err
	}

	steps := []reversibleStep{
		{
			do: func() error { return token.TransferFrom(owner, e.ownAddress(), collU256) },
			undo: func() {
				if err := token.Transfer(owner, collU256); err != nil {
					e.log.Error().Err(err).Str("op", "createVault").Msg("failed to refund collateral after rollback")
				}
			},
		},
		{
			do: func() error { return e.stable.Mint(owner, debtU256) },
			undo: func() {
				if err := e.stable.Burn(owner, debtU256); err != nil {
					e.log.Error().Err(err).Str("op", "createVault").Msg("failed to burn back minted STABLE after rollback")
				}
			},
		},
	}
	if err := runSteps(steps); err != nil {
		e.rollbackIndexInsert(asset, key)
		return err
	}

	// Every collaborator call succeeded; commit the bookkeeping that can no
	// longer fail.
	e.addDebt(asset, debtAmt)
	e.addCollateral(asset, collAmt)
	e.global.TotalProtocolDebt.Add(e.global.TotalProtocolDebt, debtAmt)
	e.global.ActiveVaults++
	e.store.Store(key, v)
	e.owners[key] = owner

	e.log.Debug().Str("op", "createVault").Str("vault", key.Hex()).Msg("applied")
	return nil
}

// rollbackIndexInsert undoes a successful SortedIndex.Insert after a later
// collaborator call fails. The index was never exposed to a caller between
// the two, so this cannot legitimately fail; if it does, the repository is
// already broken and the goal is to be loud instead of going silently out
// of sync.
func (e *Engine) rollbackIndexInsert(asset common.Address, key common.Hash) {
	if err := e.index.Remove(asset, key); err != nil {
		e.log.Error().Err(err).Str("asset", asset.Hex()).Str("vault", key.Hex()).Msg("failed to roll back index insert")
	}
}

// rollbackIndexReInsert undoes a successful SortedIndex.ReInsert after a
// later collaborator call fails, restoring the vault's pre-adjustment ARS.
// Hints are dropped (zeroHash) since the position that was valid before the
// failed adjustment may no longer be; ReInsert falls back to a full search.
func (e *Engine) rollbackIndexReInsert(asset common.Address, key common.Hash, oldARS *big.Int, cp *CollateralParams) {
	if err := e.index.ReInsert(asset, key, oldARS, zeroHash, zeroHash, e.arsOracleFor(asset, cp)); err != nil {
		e.log.Error().Err(err).Str("asset", asset.Hex()).Str("vault", key.Hex()).Msg("failed to roll back index re-insert")
	}
}

// rollbackIndexRemove undoes a successful SortedIndex.Remove after a later
// collaborator call fails, by re-inserting the vault at its prior ARS.
func (e *Engine) rollbackIndexRemove(asset common.Address, key common.Hash, oldARS *big.Int, cp *CollateralParams) {
	if err := e.index.Insert(asset, key, oldARS, zeroHash, zeroHash, e.arsOracleFor(asset, cp)); err != nil {
		e.log.Error().Err(err).Str("asset", asset.Hex()).Str("vault", key.Hex()).Msg("failed to roll back index remove")
	}
}

// ownAddress is a placeholder identity the engine uses as the "to" side of
// collateral pulls; a host embeds this as its own contract/account address.
func (e *Engine) ownAddress() common.Address { return e.owner }

func (e *Engine) totalDebt(asset common.Address) *big.Int {
	v, ok := e.global.TotalDebt[asset]
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func (e *Engine) totalCollateral(asset common.Address) *big.Int {
	v, ok := e.global.TotalCollateral[asset]
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// AdjustVault applies collateral and/or debt deltas to an existing vault.
// At most one of {addColl, withColl} may be nonzero, and likewise for
// {addDebt, repayDebt}; a pair with both sides zero is left unchanged.
func (e *Engine) AdjustVault(owner, asset common.Address, addColl, withColl, addDebt, repayDebt *big.Int, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	if addColl.Sign() != 0 && withColl.Sign() != 0 {
		return ErrBadAdjustment
	}
	if addDebt.Sign() != 0 && repayDebt.Sign() != 0 {
		return ErrBadAdjustment
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	v, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if !v.active() || v.Collateral.Sign() == 0 {
		return ErrVaultNotFound
	}
	if v.Collateral.Cmp(withColl) < 0 {
		return ErrInvalidParameter
	}
	if v.Debt.Cmp(repayDebt) < 0 {
		return ErrInvalidParameter
	}

	// Mint-cap and state checks happen against a hypothetical post-adjustment
	// snapshot, before anything is mutated.
	if addDebt.Sign() > 0 {
		newTotalDebt := new(big.Int).Add(e.totalDebt(asset), addDebt)
		if newTotalDebt.Cmp(cp.MintCap) > 0 {
			return ErrMintCapExceeded
		}
	}

	oldARS := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)

	next := v
	next.Collateral = new(big.Int).Add(v.Collateral, addColl)
	next.Collateral.Sub(next.Collateral, withColl)
	next.Debt = new(big.Int).Add(v.Debt, addDebt)
	next.Debt.Sub(next.Debt, repayDebt)

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	if err := checkVaultState(cp, &next, price); err != nil {
		return err
	}

	token, err := e.collateralToken(asset)
	if err != nil {
		return err
	}

	// ReInsert is the fallible-but-internal step: reversible by a
	// compensating ReInsert back to the pre-adjustment ARS.
	newARS := calculateARS(next.Collateral, next.Debt, next.MCR, cp.MCRFactor)
	if err := e.index.ReInsert(asset, key, newARS, prevHint, nextHint, e.arsOracleFor(asset, cp)); err != nil {
		return err
	}

	// Deposit-type calls (collateral in, debt burned) come before
	// withdrawal-type calls (collateral out, debt minted): if a later call
	// fails, undoing a deposit-type step only ever requires the engine to
	// send back something it just received, never to claw anything back
	// from the counterparty.
	var steps []reversibleStep
	if addColl.Sign() > 0 {
		u, err := bigToU256(addColl)
		if err != nil {
			e.rollbackIndexReInsert(asset, key, oldARS, cp)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return token.TransferFrom(owner, e.ownAddress(), u) },
			undo: func() {
				if err := token.Transfer(owner, u); err != nil {
					e.log.Error().Err(err).Str("op", "adjustVault").Msg("failed to refund collateral after rollback")
				}
			},
		})
	}
	if repayDebt.Sign() > 0 {
		u, err := bigToU256(repayDebt)
		if err != nil {
			e.rollbackIndexReInsert(asset, key, oldARS, cp)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Burn(owner, u) },
			undo: func() {
				if err := e.stable.Mint(owner, u); err != nil {
					e.log.Error().Err(err).Str("op", "adjustVault").Msg("failed to re-mint STABLE after rollback")
				}
			},
		})
	}
	if withColl.Sign() > 0 {
		u, err := bigToU256(withColl)
		if err != nil {
			e.rollbackIndexReInsert(asset, key, oldARS, cp)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return token.Transfer(owner, u) },
			undo: func() {
				if err := token.TransferFrom(owner, e.ownAddress(), u); err != nil {
					e.log.Error().Err(err).Str("op", "adjustVault").Msg("failed to reclaim withdrawn collateral after rollback")
				}
			},
		})
	}
	if addDebt.Sign() > 0 {
		u, err := bigToU256(addDebt)
		if err != nil {
			e.rollbackIndexReInsert(asset, key, oldARS, cp)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Mint(owner, u) },
			undo: func() {
				if err := e.stable.Burn(owner, u); err != nil {
					e.log.Error().Err(err).Str("op", "adjustVault").Msg("failed to burn back minted STABLE after rollback")
				}
			},
		})
	}
	if err := runSteps(steps); err != nil {
		e.rollbackIndexReInsert(asset, key, oldARS, cp)
		return err
	}

	// Every collaborator call succeeded; commit the bookkeeping that can no
	// longer fail.
	collDelta := new(big.Int).Sub(addColl, withColl)
	debtDelta := new(big.Int).Sub(addDebt, repayDebt)
	e.addCollateral(asset, collDelta)
	e.addDebt(asset, debtDelta)
	e.global.TotalProtocolDebt.Add(e.global.TotalProtocolDebt, debtDelta)
	e.store.Store(key, next)

	e.log.Debug().Str("op", "adjustVault").Str("vault", key.Hex()).Msg("applied")
	return nil
}

// AdjustVaultMCR changes only a vault's chosen MCR (and hence its interest
// rate and ARS); newMcr must differ from the current value.
func (e *Engine) AdjustVaultMCR(owner, asset common.Address, newMcr *big.Int, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	v, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if !v.active() || v.Collateral.Sign() == 0 {
		return ErrVaultNotFound
	}
	if v.MCR.Cmp(newMcr) == 0 {
		return ErrInvalidParameter
	}

	next := v
	next.MCR = new(big.Int).Set(newMcr)

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	if err := checkVaultState(cp, &next, price); err != nil {
		return err
	}

	ars := calculateARS(next.Collateral, next.Debt, next.MCR, cp.MCRFactor)
	if err := e.index.ReInsert(asset, key, ars, prevHint, nextHint, e.arsOracleFor(asset, cp)); err != nil {
		return err
	}
	e.store.Store(key, next)

	e.log.Debug().Str("op", "adjustVaultMCR").Str("vault", key.Hex()).Msg("applied")
	return nil
}

// CloseVault fully repays and withdraws an active vault.
func (e *Engine) CloseVault(owner, asset common.Address) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	v, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if !v.active() || v.Collateral.Sign() == 0 {
		return ErrVaultNotFound
	}

	token, err := e.collateralToken(asset)
	if err != nil {
		return err
	}

	oldARS := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)
	if err := e.index.Remove(asset, key); err != nil {
		return err
	}

	var steps []reversibleStep
	if v.Debt.Sign() > 0 {
		u, err := bigToU256(v.Debt)
		if err != nil {
			e.rollbackIndexRemove(asset, key, oldARS, cp)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Burn(owner, u) },
			undo: func() {
				if err := e.stable.Mint(owner, u); err != nil {
					e.log.Error().Err(err).Str("op", "closeVault").Msg("failed to re-mint STABLE after rollback")
				}
			},
		})
	}
	collU, err := bigToU256(v.Collateral)
	if err != nil {
		e.rollbackIndexRemove(asset, key, oldARS, cp)
		return err
	}
	steps = append(steps, reversibleStep{
		do: func() error { return token.Transfer(owner, collU) },
		undo: func() {
			if err := token.TransferFrom(owner, e.ownAddress(), collU); err != nil {
				e.log.Error().Err(err).Str("op", "closeVault").Msg("failed to reclaim collateral after rollback")
			}
		},
	})
	if err := runSteps(steps); err != nil {
		e.rollbackIndexRemove(asset, key, oldARS, cp)
		return err
	}

	// Every collaborator call succeeded; commit the bookkeeping that can no
	// longer fail.
	e.addCollateral(asset, new(big.Int).Neg(v.Collateral))
	e.addDebt(asset, new(big.Int).Neg(v.Debt))
	e.global.TotalProtocolDebt.Sub(e.global.TotalProtocolDebt, v.Debt)
	e.global.ActiveVaults--
	e.store.Clear(key)
	delete(e.owners, key)

	e.log.Debug().Str("op", "closeVault").Str("vault", key.Hex()).Msg("applied")
	return nil
}

// TransferVaultOwnership moves a whole vault record to recipient, keeping
// lastUpdate (and hence the interest-accrual anchor) unchanged.
func (e *Engine) TransferVaultOwnership(caller, owner, asset, recipient common.Address, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	if caller != owner {
		return ErrNotAnOwner
	}
	if recipient == owner {
		return ErrInvalidParameter
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	v, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if !v.active() || v.Collateral.Sign() == 0 {
		return ErrVaultNotFound
	}

	recipientKey := vaultKey(recipient, asset)
	existing := e.store.Load(recipientKey)
	if existing.Collateral.Sign() != 0 {
		return ErrVaultAlreadyExists
	}

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	if err := checkVaultState(cp, &v, price); err != nil {
		return err
	}

	ars := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)

	if err := e.index.Remove(asset, key); err != nil {
		return err
	}
	if err := e.index.Insert(asset, recipientKey, ars, prevHint, nextHint, e.arsOracleFor(asset, cp)); err != nil {
		e.rollbackIndexRemove(asset, key, ars, cp)
		return err
	}

	e.store.Clear(key)
	delete(e.owners, key)
	e.store.Store(recipientKey, v)
	e.owners[recipientKey] = recipient

	e.log.Debug().Str("op", "transferVaultOwnership").Str("vault", key.Hex()).Str("to", recipientKey.Hex()).Msg("applied")
	return nil
}

// liquidationDistribution splits a liquidated vault's collateral between
// the stability pool (debt-equivalent plus penalty) and any surplus
// returned to the owner. It never returns more collateral than the vault
// holds.
func liquidationDistribution(coll, price, debtToOffset, penalty *big.Int) (spCollateral, surplus *big.Int) {
	payable := new(big.Int).Add(debtToOffset, mulDiv(debtToOffset, penalty, dec18))
	collateralValue := mulDiv(coll, price, dec18)

	if payable.Cmp(collateralValue) >= 0 {
		return new(big.Int).Set(coll), big.NewInt(0)
	}
	spColl := mulDiv(payable, dec18, price)
	surplusColl := new(big.Int).Sub(coll, spColl)
	return spColl, surplusColl
}

// LiquidateVault liquidates an undercollateralized vault against the
// stability pool, handling both full and partial liquidation.
func (e *Engine) LiquidateVault(owner, asset common.Address, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	key := vaultKey(owner, asset)
	v, err := e.manageDebtInterest(asset, key, cp)
	if err != nil {
		return err
	}
	if !v.active() || v.Collateral.Sign() == 0 {
		return ErrVaultNotFound
	}

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	cr := calculateCR(v.Collateral, price, v.Debt)
	if cr == nil || cr.Cmp(v.MCR) >= 0 {
		return ErrVaultBelowMCR // vault is healthy, nothing to liquidate
	}

	totalSPDeposits := e.pool.TotalDeposits()
	if totalSPDeposits.Sign() == 0 {
		return ErrStabilityPoolEmpty
	}

	debtToOffset := new(big.Int).Set(v.Debt)
	if debtToOffset.Cmp(totalSPDeposits) > 0 {
		debtToOffset = new(big.Int).Set(totalSPDeposits)
	}

	spCollateral, surplus := liquidationDistribution(v.Collateral, price, debtToOffset, cp.LiquidationPenalty)
	fullLiquidation := debtToOffset.Cmp(v.Debt) == 0
	oldARS := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)

	var remaining Vault
	if fullLiquidation {
		if err := e.index.Remove(asset, key); err != nil {
			return err
		}
	} else {
		remaining = v
		remaining.Collateral = new(big.Int).Sub(v.Collateral, spCollateral)
		remaining.Debt = new(big.Int).Sub(v.Debt, debtToOffset)
		newARS := calculateARS(remaining.Collateral, remaining.Debt, remaining.MCR, cp.MCRFactor)
		if err := e.index.ReInsert(asset, key, newARS, prevHint, nextHint, e.arsOracleFor(asset, cp)); err != nil {
			return err
		}
	}

	// debtToOffset was capped at totalSPDeposits above, so OffsetDebt cannot
	// fail its own validation here; it is the internal pool-ledger commit,
	// done before the one possible external call so that call is the last
	// thing that can abort this operation.
	if err := e.pool.OffsetDebt(debtToOffset, asset, cp.Index, spCollateral); err != nil {
		if fullLiquidation {
			e.rollbackIndexRemove(asset, key, oldARS, cp)
		} else {
			e.rollbackIndexReInsert(asset, key, oldARS, cp)
		}
		return err
	}

	if fullLiquidation && surplus.Sign() > 0 {
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		u, err := bigToU256(surplus)
		if err != nil {
			return err
		}
		if err := token.Transfer(owner, u); err != nil {
			// OffsetDebt has no inverse; the index is still rolled back so
			// the vault record itself is not silently erased on failure.
			e.rollbackIndexRemove(asset, key, oldARS, cp)
			return fmt.Errorf("%w: %v", ErrTokenTransferFailed, err)
		}
	}

	// Every collaborator call succeeded; commit the bookkeeping that can no
	// longer fail.
	if fullLiquidation {
		e.global.ActiveVaults--
		e.addDebt(asset, new(big.Int).Neg(v.Debt))
		e.addCollateral(asset, new(big.Int).Neg(v.Collateral))
		e.store.Clear(key)
		delete(e.owners, key)
	} else {
		e.addDebt(asset, new(big.Int).Neg(debtToOffset))
		e.addCollateral(asset, new(big.Int).Neg(spCollateral))
		e.store.Store(key, remaining)
	}
	e.global.TotalProtocolDebt.Sub(e.global.TotalProtocolDebt, debtToOffset)

	e.log.Debug().Str("op", "liquidateVault").Str("vault", key.Hex()).Bool("full", fullLiquidation).Msg("applied")
	return nil
}

// redeemPlanItem is one vault's computed redemption outcome, staged during
// the read-only discovery walk and only committed to the store/index/
// aggregates after every collaborator call for the whole redemption has
// succeeded.
type redeemPlanItem struct {
	key          common.Hash
	owner        common.Address
	fullyDrained bool
	toRedeem     *big.Int
	collOut      *big.Int
	collRemoved  *big.Int // collOut (partial) or the vault's whole collateral (fully drained)
	residualColl *big.Int // only set when fullyDrained
	newVault     Vault    // only set when !fullyDrained
	oldARS       *big.Int
	newARS       *big.Int // only set when !fullyDrained
}

func (e *Engine) unwindRedeemIndex(asset common.Address, plan []redeemPlanItem, cp *CollateralParams) {
	for j := len(plan) - 1; j >= 0; j-- {
		item := plan[j]
		if item.fullyDrained {
			e.rollbackIndexRemove(asset, item.key, item.oldARS, cp)
		} else {
			e.rollbackIndexReInsert(asset, item.key, item.oldARS, cp)
		}
	}
}

// RedeemVault exchanges amountRequested STABLE for collateral, draining
// vaults from the SortedIndex tail (lowest ARS) first.
func (e *Engine) RedeemVault(caller, asset common.Address, amountRequested *big.Int, prevHint, nextHint common.Hash) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	cp, err := e.store.Collateral(asset)
	if err != nil {
		return err
	}
	price, err := e.price(asset)
	if err != nil {
		return err
	}

	cur := e.index.Tail(asset)
	if cur == zeroHash {
		return ErrNoVaultsToRedeem
	}

	// Phase 1: walk the index to discover every vault this redemption
	// touches and how much of each is redeemed. The walk accrues interest on
	// each vault it visits (manageDebtInterest writes that back) but makes no
	// other change. The walk order
	// depends only on Prev, read before any vault is mutated, so nothing
	// needs to be written yet to determine the full set of vaults involved.
	remaining := new(big.Int).Set(amountRequested)
	totalCollRedeemed := big.NewInt(0)
	totalDebtRedeemed := big.NewInt(0)
	var plan []redeemPlanItem

	for remaining.Sign() > 0 && cur != zeroHash {
		v, err := e.manageDebtInterest(asset, cur, cp)
		if err != nil {
			return err
		}

		toRedeem := new(big.Int).Set(v.Debt)
		if toRedeem.Cmp(remaining) > 0 {
			toRedeem = new(big.Int).Set(remaining)
		}
		fee := mulDiv(toRedeem, e.global.RedemptionFee, dec18)
		netRedeem := new(big.Int).Sub(toRedeem, fee)
		collOut := mulDiv(netRedeem, dec18, price)

		if collOut.Cmp(v.Collateral) > 0 {
			return ErrInvalidParameter
		}

		totalCollRedeemed.Add(totalCollRedeemed, collOut)
		totalDebtRedeemed.Add(totalDebtRedeemed, toRedeem)
		remaining.Sub(remaining, toRedeem)

		next := e.index.Prev(asset, cur) // toward head: next vault to redeem after draining cur
		fullyDrained := toRedeem.Cmp(v.Debt) == 0
		oldARS := calculateARS(v.Collateral, v.Debt, v.MCR, cp.MCRFactor)

		item := redeemPlanItem{
			key:          cur,
			owner:        e.owners[cur],
			fullyDrained: fullyDrained,
			toRedeem:     toRedeem,
			collOut:      collOut,
			oldARS:       oldARS,
		}
		if fullyDrained {
			item.residualColl = new(big.Int).Sub(v.Collateral, collOut)
			item.collRemoved = new(big.Int).Set(v.Collateral)
		} else {
			item.newVault = v
			item.newVault.Collateral = new(big.Int).Sub(v.Collateral, collOut)
			item.newVault.Debt = new(big.Int).Sub(v.Debt, toRedeem)
			item.newARS = calculateARS(item.newVault.Collateral, item.newVault.Debt, item.newVault.MCR, cp.MCRFactor)
			item.collRemoved = new(big.Int).Set(collOut)
		}
		plan = append(plan, item)

		cur = next
	}

	// Phase 2: resolve every touched vault's index position. Fallible
	// (Remove/ReInsert reject an ID the index does not hold; bad hints only
	// fall back to a search) but internal and reversible; unwind on the
	// first failure.
	for i, item := range plan {
		var err error
		if item.fullyDrained {
			err = e.index.Remove(asset, item.key)
		} else {
			err = e.index.ReInsert(asset, item.key, item.newARS, prevHint, nextHint, e.arsOracleFor(asset, cp))
		}
		if err != nil {
			e.unwindRedeemIndex(asset, plan[:i], cp)
			return err
		}
	}

	// Phase 3: external calls. Residual-collateral refunds for fully
	// drained vaults, then the redeemer's own STABLE burn and collateral
	// payout; any failure unwinds every external call already done plus
	// the whole index resolution from phase 2.
	token, err := e.collateralToken(asset)
	if err != nil {
		e.unwindRedeemIndex(asset, plan, cp)
		return err
	}

	var steps []reversibleStep
	for _, item := range plan {
		if !item.fullyDrained || item.residualColl.Sign() <= 0 {
			continue
		}
		u, err := bigToU256(item.residualColl)
		if err != nil {
			e.unwindRedeemIndex(asset, plan, cp)
			return err
		}
		vaultOwner := item.owner
		steps = append(steps, reversibleStep{
			do: func() error { return token.Transfer(vaultOwner, u) },
			undo: func() {
				if err := token.TransferFrom(vaultOwner, e.ownAddress(), u); err != nil {
					e.log.Error().Err(err).Str("op", "redeemVault").Msg("failed to reclaim residual collateral after rollback")
				}
			},
		})
	}

	stableU, err := bigToU256(totalDebtRedeemed)
	if err != nil {
		e.unwindRedeemIndex(asset, plan, cp)
		return err
	}
	steps = append(steps, reversibleStep{
		do: func() error { return e.stable.Burn(caller, stableU) },
		undo: func() {
			if err := e.stable.Mint(caller, stableU); err != nil {
				e.log.Error().Err(err).Str("op", "redeemVault").Msg("failed to re-mint STABLE after rollback")
			}
		},
	})

	collU, err := bigToU256(totalCollRedeemed)
	if err != nil {
		e.unwindRedeemIndex(asset, plan, cp)
		return err
	}
	steps = append(steps, reversibleStep{
		do: func() error { return token.Transfer(caller, collU) },
		undo: func() {
			if err := token.TransferFrom(caller, e.ownAddress(), collU); err != nil {
				e.log.Error().Err(err).Str("op", "redeemVault").Msg("failed to reclaim redeemed collateral after rollback")
			}
		},
	})

	if err := runSteps(steps); err != nil {
		e.unwindRedeemIndex(asset, plan, cp)
		return err
	}

	// Every collaborator call succeeded; commit the bookkeeping that can no
	// longer fail.
	for _, item := range plan {
		e.addDebt(asset, new(big.Int).Neg(item.toRedeem))
		e.addCollateral(asset, new(big.Int).Neg(item.collRemoved))
		if item.fullyDrained {
			e.global.ActiveVaults--
			e.store.Clear(item.key)
			delete(e.owners, item.key)
		} else {
			e.store.Store(item.key, item.newVault)
		}
	}
	e.global.TotalProtocolDebt.Sub(e.global.TotalProtocolDebt, totalDebtRedeemed)

	e.log.Debug().Str("op", "redeemVault").Str("debtRedeemed", totalDebtRedeemed.String()).Msg("applied")
	return nil
}

// MintVaultsInterest distributes accrued-but-unminted interest to the
// configured recipients, bps-weighted, with any shortfall going to
// defaultInterestRecipient (or remaining unminted if that is unset).
func (e *Engine) MintVaultsInterest() error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	delta := new(big.Int).Sub(e.global.TotalAccruedDebt, e.global.LastRecordedAccruedDebt)
	if delta.Sign() <= 0 {
		return ErrZeroAmount
	}

	remaining := new(big.Int).Set(delta)
	var steps []reversibleStep
	for _, r := range e.mintRecipients {
		share := bps(delta, r.Bps)
		if share.Sign() == 0 {
			continue
		}
		u, err := bigToU256(share)
		if err != nil {
			return err
		}
		recipient := r.Recipient
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Mint(recipient, u) },
			undo: func() {
				if err := e.stable.Burn(recipient, u); err != nil {
					e.log.Error().Err(err).Str("op", "mintVaultsInterest").Msg("failed to burn back minted STABLE after rollback")
				}
			},
		})
		remaining.Sub(remaining, share)
	}

	if remaining.Sign() > 0 && e.defaultInterestRecipient != (common.Address{}) {
		u, err := bigToU256(remaining)
		if err != nil {
			return err
		}
		recipient := e.defaultInterestRecipient
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Mint(recipient, u) },
			undo: func() {
				if err := e.stable.Burn(recipient, u); err != nil {
					e.log.Error().Err(err).Str("op", "mintVaultsInterest").Msg("failed to burn back minted STABLE after rollback")
				}
			},
		})
	}

	if err := runSteps(steps); err != nil {
		return err
	}

	// LastRecordedAccruedDebt only advances once every mint in this round
	// has succeeded, so a failed round can be retried in full rather than
	// silently losing the unminted remainder.
	e.global.LastRecordedAccruedDebt = new(big.Int).Set(e.global.TotalAccruedDebt)

	e.log.Debug().Str("op", "mintVaultsInterest").Str("delta", delta.String()).Msg("applied")
	return nil
}

// Deposit and Withdraw thinly wrap StabilityPool, performing the
// corresponding STABLE transfer and collateral-gain payouts the pool's
// own ledger update reports.
func (e *Engine) Deposit(user common.Address, amount *big.Int, assets []common.Address) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	// The pool's own Deposit call is the fallible-but-internal step: its
	// only error paths are pure input validation (ErrZeroAmount,
	// ErrArrayNotAscending), so it is safe to apply before the external
	// calls, provided its effect can be restored if one of those fails.
	snap := e.pool.snapshotUser(user)
	gains, _, err := e.pool.Deposit(user, amount, assets)
	if err != nil {
		return err
	}

	steps, err := e.payGainSteps(user, gains)
	if err != nil {
		e.pool.restoreUser(user, snap)
		return err
	}
	u, err := bigToU256(amount)
	if err != nil {
		e.pool.restoreUser(user, snap)
		return err
	}
	steps = append(steps, reversibleStep{
		do: func() error { return e.stable.TransferFrom(user, e.ownAddress(), u) },
		undo: func() {
			if err := e.stable.Transfer(user, u); err != nil {
				e.log.Error().Err(err).Str("op", "deposit").Msg("failed to refund STABLE after rollback")
			}
		},
	})
	if err := runSteps(steps); err != nil {
		e.pool.restoreUser(user, snap)
		return err
	}
	return nil
}

func (e *Engine) Withdraw(user common.Address, amount *big.Int, assets []common.Address) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}

	snap := e.pool.snapshotUser(user)
	gains, withdrawn, _, err := e.pool.Withdraw(user, amount, assets)
	if err != nil {
		return err
	}

	steps, err := e.payGainSteps(user, gains)
	if err != nil {
		e.pool.restoreUser(user, snap)
		return err
	}
	if withdrawn.Sign() > 0 {
		u, err := bigToU256(withdrawn)
		if err != nil {
			e.pool.restoreUser(user, snap)
			return err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return e.stable.Transfer(user, u) },
			undo: func() {
				if err := e.stable.TransferFrom(user, e.ownAddress(), u); err != nil {
					e.log.Error().Err(err).Str("op", "withdraw").Msg("failed to reclaim STABLE after rollback")
				}
			},
		})
	}
	if err := runSteps(steps); err != nil {
		e.pool.restoreUser(user, snap)
		return err
	}
	return nil
}

// payGainSteps builds one reversible external Transfer step per nonzero
// collateral gain, without executing any of them.
func (e *Engine) payGainSteps(user common.Address, gains map[common.Address]*big.Int) ([]reversibleStep, error) {
	var steps []reversibleStep
	for asset, amt := range gains {
		if amt.Sign() == 0 {
			continue
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return nil, err
		}
		u, err := bigToU256(amt)
		if err != nil {
			return nil, err
		}
		steps = append(steps, reversibleStep{
			do: func() error { return token.Transfer(user, u) },
			undo: func() {
				if err := token.TransferFrom(user, e.ownAddress(), u); err != nil {
					e.log.Error().Err(err).Str("op", "payGains").Msg("failed to reclaim collateral gain after rollback")
				}
			},
		})
	}
	return steps, nil
}
