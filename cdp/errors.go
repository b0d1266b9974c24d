// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cdp

import "errors"

// Errors - VaultStore
var (
	ErrVaultNotFound      = errors.New("cdp: vault not found")
	ErrVaultAlreadyExists = errors.New("cdp: vault already exists")
	ErrVaultBelowMCR      = errors.New("cdp: collateral ratio at or below MCR")
	ErrVaultBelowMinDebt  = errors.New("cdp: debt below collateral's minimum net debt")
	ErrMintCapExceeded    = errors.New("cdp: collateral mint cap exceeded")
	ErrInvalidMCR         = errors.New("cdp: MCR outside collateral's allowed range")
	ErrInvalidCollateral  = errors.New("cdp: unknown collateral asset")
	ErrInactiveCollateral = errors.New("cdp: collateral asset is not active")
	ErrInvalidParameter   = errors.New("cdp: invalid parameter")
)

// Errors - StabilityPool
var (
	ErrInsufficientDeposit = errors.New("cdp: withdrawal exceeds compounded deposit")
	ErrZeroAmount          = errors.New("cdp: amount must be positive")
	ErrArrayNotAscending   = errors.New("cdp: asset list must be strictly ascending")
	ErrStabilityPoolEmpty  = errors.New("cdp: stability pool has no deposits")
)

// Errors - VaultOps
var (
	ErrNoVaultsToRedeem  = errors.New("cdp: no vaults available to redeem against")
	ErrOracleFailure     = errors.New("cdp: oracle price fetch failed")
	ErrTokenTransferFailed = errors.New("cdp: token transfer failed")
	ErrReentrancyBlocked = errors.New("cdp: reentrant call blocked")
	ErrNotAnOwner        = errors.New("cdp: caller does not own this vault")
	ErrBadAdjustment     = errors.New("cdp: adjustment may move at most one side of each pair")
)

// Errors - Admin
var (
	ErrNotAuthorized     = errors.New("cdp: caller is not the engine owner")
	ErrNotInitialized    = errors.New("cdp: engine addresses not yet configured")
	ErrAlreadyInitialized = errors.New("cdp: engine addresses already configured")
)
