// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
)

// fakeToken is an in-memory Token/MintBurner double for engine tests; it
// keeps per-address balances and never fails, matching the style of a
// minimal test fake rather than a mock framework (no testify in this repo).
type fakeToken struct {
	balances map[common.Address]*big.Int
}

func newFakeToken() *fakeToken {
	return &fakeToken{balances: make(map[common.Address]*big.Int)}
}

func (f *fakeToken) bal(addr common.Address) *big.Int {
	b, ok := f.balances[addr]
	if !ok {
		return big.NewInt(0)
	}
	return b
}

func (f *fakeToken) Transfer(to common.Address, amount *uint256.Int) error {
	f.balances[to] = new(big.Int).Add(f.bal(to), u256ToBig(amount))
	return nil
}

func (f *fakeToken) TransferFrom(from, to common.Address, amount *uint256.Int) error {
	amt := u256ToBig(amount)
	f.balances[from] = new(big.Int).Sub(f.bal(from), amt)
	f.balances[to] = new(big.Int).Add(f.bal(to), amt)
	return nil
}

func (f *fakeToken) BalanceOf(addr common.Address) (*uint256.Int, error) {
	u, _ := bigToU256(f.bal(addr))
	return u, nil
}

func (f *fakeToken) Mint(to common.Address, amount *uint256.Int) error {
	f.balances[to] = new(big.Int).Add(f.bal(to), u256ToBig(amount))
	return nil
}

func (f *fakeToken) Burn(from common.Address, amount *uint256.Int) error {
	f.balances[from] = new(big.Int).Sub(f.bal(from), u256ToBig(amount))
	return nil
}

type fakeOracle struct {
	prices map[common.Address]*big.Int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[common.Address]*big.Int)}
}

func (o *fakeOracle) FetchPrice(asset common.Address) (*uint256.Int, error) {
	p, ok := o.prices[asset]
	if !ok {
		return nil, ErrOracleFailure
	}
	u, _ := bigToU256(p)
	return u, nil
}

func setupEngine(t *testing.T, price *big.Int) (*Engine, common.Address, *fakeToken, *fakeToken) {
	t.Helper()
	owner := common.HexToAddress("0xE0E0")
	asset := common.HexToAddress("0xC01")
	stable := newFakeToken()
	collToken := newFakeToken()
	oracle := newFakeOracle()
	oracle.prices[asset] = price

	e := NewEngine(owner, stable, oracle, zerolog.Nop())
	if err := e.AddNewCollateral(owner, asset, 18); err != nil {
		t.Fatalf("AddNewCollateral: %v", err)
	}
	if err := e.SetCollateralParameters(owner, asset,
		bigInt("1100000000000000000"),  // minRange 110%
		bigInt("5000000000000000000"),  // maxRange 500%
		bigInt("1000000000000000000"),  // mcrFactor
		bigInt("10000000000000000"),    // baseFee 1%
		bigInt("50000000000000000"),    // maxFee 5%
		bigInt("1000000000000000000"),  // minNetDebt (small, permissive for tests)
		bigInt("1000000000000000000000000000"), // mintCap
		bigInt("25000000000000000"),    // liqPenalty 2.5%
	); err != nil {
		t.Fatalf("SetCollateralParameters: %v", err)
	}
	if err := e.SetIsActive(owner, asset, true); err != nil {
		t.Fatalf("SetIsActive: %v", err)
	}
	if err := e.RegisterToken(owner, asset, collToken); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	if err := e.Initialize(owner); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, asset, stable, collToken
}

func TestEngine_BasicRedemption_Scenario1(t *testing.T) {
	e, asset, stable, collToken := setupEngine(t, bigInt("6000000000000000000")) // price = 6e18
	bob := common.HexToAddress("0xB0B")
	carol := common.HexToAddress("0xCA301")

	collToken.balances[bob] = bigInt("800000000000000000000")

	if err := e.CreateVault(bob, asset, bigInt("800000000000000000000"), bigInt("1000000000000000000000"), bigInt("1100000000000000000"), zeroHash, zeroHash); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	if err := e.SetRedemptionFee(e.owner, bigInt("25000000000000000")); err != nil { // 2.5%
		t.Fatalf("SetRedemptionFee: %v", err)
	}

	stable.balances[carol] = bigInt("1000000000000000000000")

	if err := e.RedeemVault(carol, asset, bigInt("1000000000000000000000"), zeroHash, zeroHash); err != nil {
		t.Fatalf("RedeemVault: %v", err)
	}

	bobVault := e.store.Load(vaultKey(bob, asset))
	if bobVault.active() {
		t.Errorf("Bob's vault should be fully drained and cleared, got debt=%s coll=%s", bobVault.Debt, bobVault.Collateral)
	}

	wantCarolColl := bigInt("162500000000000000000") // 975e18 * 1e18 / 6e18
	if collToken.bal(carol).Cmp(wantCarolColl) != 0 {
		t.Errorf("Carol's collateral = %s, want ~%s", collToken.bal(carol), wantCarolColl)
	}
	if stable.bal(carol).Sign() != 0 {
		t.Errorf("Carol should have spent all her STABLE, balance = %s", stable.bal(carol))
	}
}

func TestEngine_FullLiquidation_PoolDepleted_Scenario2(t *testing.T) {
	e, asset, _, collToken := setupEngine(t, bigInt("6000000000000000000"))
	alice := common.HexToAddress("0xA11CE")
	bob := common.HexToAddress("0xB0B")

	collToken.balances[alice] = bigInt("1000000000000000000000")
	if err := e.CreateVault(alice, asset, bigInt("1000000000000000000000"), bigInt("2800000000000000000000"), bigInt("1100000000000000000"), zeroHash, zeroHash); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	e.stable.(*fakeToken).balances[bob] = bigInt("5000000000000000000000")
	if err := e.Deposit(bob, bigInt("5000000000000000000000"), nil); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	e.oracle.(*fakeOracle).prices[asset] = bigInt("3000000000000000000") // price drops 6 -> 3

	if err := e.LiquidateVault(alice, asset, zeroHash, zeroHash); err != nil {
		t.Fatalf("LiquidateVault: %v", err)
	}

	aliceVault := e.store.Load(vaultKey(alice, asset))
	if aliceVault.active() {
		t.Errorf("Alice's vault should be fully cleared after full liquidation")
	}

	if err := e.Withdraw(bob, bigInt("5000000000000000000000"), []common.Address{asset}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	wantStable := bigInt("2200000000000000000000") // 5000e18 - 2800e18
	if e.stable.(*fakeToken).bal(bob).Cmp(wantStable) != 0 {
		t.Errorf("Bob's STABLE after withdraw = %s, want %s", e.stable.(*fakeToken).bal(bob), wantStable)
	}
	if collToken.bal(bob).Sign() <= 0 {
		t.Errorf("Bob should have received collateral gains, got %s", collToken.bal(bob))
	}
}

func TestEngine_CompoundInterest_IdempotentSameTimestamp_Scenario5(t *testing.T) {
	e, asset, _, collToken := setupEngine(t, bigInt("1000000000000000000"))
	alice := common.HexToAddress("0xA11CE")
	collToken.balances[alice] = bigInt("1000000000000000000000")

	now := uint64(1_700_000_000)
	e.SetClock(func() uint64 { return now })

	if err := e.CreateVault(alice, asset, bigInt("1000000000000000000000"), bigInt("3000000000000000000000"), bigInt("1200000000000000000"), zeroHash, zeroHash); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	now += 365 * 24 * 60 * 60
	debtAfterOneYear, err := e.UpdateVaultInterest(alice, asset)
	if err != nil {
		t.Fatalf("UpdateVaultInterest: %v", err)
	}
	if debtAfterOneYear.Debt.Cmp(bigInt("3000000000000000000000")) <= 0 {
		t.Fatalf("debt should have grown after a year of interest, got %s", debtAfterOneYear.Debt)
	}

	// a second call at the same timestamp should be a no-op.
	again, err := e.UpdateVaultInterest(alice, asset)
	if err != nil {
		t.Fatalf("UpdateVaultInterest (second call): %v", err)
	}
	if again.Debt.Cmp(debtAfterOneYear.Debt) != 0 {
		t.Errorf("second UpdateVaultInterest at same timestamp changed debt: %s != %s", again.Debt, debtAfterOneYear.Debt)
	}
}

func TestEngine_ReentrancyBlocked(t *testing.T) {
	e, _, _, _ := setupEngine(t, bigInt("1000000000000000000"))
	if err := e.lock(); err != nil {
		t.Fatalf("initial lock: %v", err)
	}
	defer e.unlock()

	if err := e.lock(); err != ErrReentrancyBlocked {
		t.Errorf("nested lock err = %v, want ErrReentrancyBlocked", err)
	}
}
