// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command cdpengine is a local operational and inspection tool over the cdp
// engine. It loads collateral and admin configuration, constructs an engine
// in memory against in-memory stub collaborators, and prints the result of
// admin changes and read-only queries. It is not a deployment target: the
// engine is meant to be embedded by a host that supplies its own token and
// oracle implementations.
package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luxfi/cdpengine/cdp"
	"github.com/luxfi/cdpengine/internal/config"
	"github.com/luxfi/cdpengine/internal/logging"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "cdpengine",
		Short: "cdpengine inspects and seeds a collateralized-debt-position engine",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to cdpengine.yaml (default: ./cdpengine.yaml)")

	root.AddCommand(collateralCmd())
	root.AddCommand(paramsCmd())
	root.AddCommand(vaultCmd())
	root.AddCommand(poolCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stubToken is a zero-balance, always-succeeding Token/MintBurner used only
// so the CLI can build a fully wired Engine for inspection without a real
// chain behind it.
type stubToken struct{}

func (stubToken) Transfer(common.Address, *uint256.Int) error { return nil }
func (stubToken) TransferFrom(common.Address, common.Address, *uint256.Int) error {
	return nil
}
func (stubToken) BalanceOf(common.Address) (*uint256.Int, error) { return uint256.NewInt(0), nil }
func (stubToken) Mint(common.Address, *uint256.Int) error        { return nil }
func (stubToken) Burn(common.Address, *uint256.Int) error        { return nil }

// stubOracle reports a fixed 1:1 price for every asset; the CLI only needs
// the engine to construct successfully, not to price anything meaningfully.
type stubOracle struct{}

func (stubOracle) FetchPrice(common.Address) (*uint256.Int, error) {
	return uint256.NewInt(1_000000000000000000), nil
}

func buildEngine() (*cdp.Engine, *config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, zerolog.Logger{}, fmt.Errorf("loading config: %w", err)
	}
	log := logging.Init(cfg.LogLevel)
	engineLog := logging.Component(log, "engine")

	owner := config.ParseAddress(cfg.Owner)
	e := cdp.NewEngine(owner, stubToken{}, stubOracle{}, engineLog)

	if cfg.DefaultInterestRecipient != "" {
		if err := e.SetDefaultInterestRecipient(owner, config.ParseAddress(cfg.DefaultInterestRecipient)); err != nil {
			return nil, nil, log, fmt.Errorf("setting default interest recipient: %w", err)
		}
	}

	if fee, err := config.ParseDec(cfg.RedemptionFee); err != nil {
		return nil, nil, log, fmt.Errorf("parsing redemption_fee: %w", err)
	} else if fee != nil {
		if err := e.SetRedemptionFee(owner, fee); err != nil {
			return nil, nil, log, fmt.Errorf("setting redemption fee: %w", err)
		}
	}

	if len(cfg.MintRecipients) > 0 {
		recipients := make([]cdp.MintRecipient, 0, len(cfg.MintRecipients))
		for _, r := range cfg.MintRecipients {
			recipients = append(recipients, cdp.MintRecipient{
				Recipient: config.ParseAddress(r.Recipient),
				Bps:       r.Bps,
			})
		}
		if err := e.SetMintRecipients(owner, recipients); err != nil {
			return nil, nil, log, fmt.Errorf("setting mint recipients: %w", err)
		}
	}

	for _, seed := range cfg.Collaterals {
		if err := applyCollateralSeed(e, owner, seed); err != nil {
			return nil, nil, log, err
		}
	}

	if err := e.Initialize(owner); err != nil {
		return nil, nil, log, fmt.Errorf("initializing engine: %w", err)
	}

	return e, cfg, log, nil
}

func applyCollateralSeed(e *cdp.Engine, owner common.Address, seed config.CollateralSeed) error {
	asset := config.ParseAddress(seed.Asset)
	if err := e.AddNewCollateral(owner, asset, seed.Decimals); err != nil {
		return fmt.Errorf("adding collateral %s: %w", seed.Asset, err)
	}
	fields := []string{seed.MinRange, seed.MaxRange, seed.MCRFactor, seed.BaseFee, seed.MaxFee, seed.MinNetDebt, seed.MintCap, seed.LiquidationPenalty}
	parsed := make([]*big.Int, len(fields))
	for i, f := range fields {
		n, err := config.ParseDec(f)
		if err != nil {
			return fmt.Errorf("parsing collateral %s parameter %d: %w", seed.Asset, i, err)
		}
		if n == nil {
			return fmt.Errorf("collateral %s parameter %d must be set", seed.Asset, i)
		}
		parsed[i] = n
	}
	if err := e.SetCollateralParameters(owner, asset, parsed[0], parsed[1], parsed[2], parsed[3], parsed[4], parsed[5], parsed[6], parsed[7]); err != nil {
		return fmt.Errorf("setting parameters for %s: %w", seed.Asset, err)
	}
	if err := e.SetIsActive(owner, asset, seed.Active); err != nil {
		return fmt.Errorf("setting active flag for %s: %w", seed.Asset, err)
	}
	return nil
}

func collateralCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collateral",
		Short: "manage whitelisted collateral assets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <asset-hex> <decimals>",
		Short: "whitelist a new collateral asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cfg, _, err := buildEngine()
			if err != nil {
				return err
			}
			var decimals uint8
			if _, err := fmt.Sscanf(args[1], "%d", &decimals); err != nil {
				return fmt.Errorf("invalid decimals %q: %w", args[1], err)
			}
			if err := e.AddNewCollateral(config.ParseAddress(cfg.Owner), config.ParseAddress(args[0]), decimals); err != nil {
				return err
			}
			fmt.Printf("collateral %s whitelisted with %d decimals\n", args[0], decimals)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "apply the collateral parameters from the config file's seed list",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, _, err := buildEngine()
			if err != nil {
				return err
			}
			fmt.Printf("applied parameters for %d collateral(s) from config\n", len(cfg.Collaterals))
			return nil
		},
	})
	return cmd
}

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "inspect engine-wide parameters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "print the configured collateral parameter seeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, _, err := buildEngine()
			if err != nil {
				return err
			}
			fmt.Printf("owner: %s\n", cfg.Owner)
			fmt.Printf("redemption fee: %s\n", cfg.RedemptionFee)
			for _, c := range cfg.Collaterals {
				fmt.Printf("collateral %s: minRange=%s maxRange=%s baseFee=%s maxFee=%s active=%t\n",
					c.Asset, c.MinRange, c.MaxRange, c.BaseFee, c.MaxFee, c.Active)
			}
			return nil
		},
	})
	return cmd
}

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "inspect vaults",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <owner-hex> <asset-hex>",
		Short: "print one vault's collateral, debt, and chosen MCR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, _, err := buildEngine()
			if err != nil {
				return err
			}
			v, err := e.UpdateVaultInterest(config.ParseAddress(args[0]), config.ParseAddress(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("collateral=%s debt=%s mcr=%s lastUpdate=%d\n", v.Collateral, v.Debt, v.MCR, v.LastUpdate)
			return nil
		},
	})
	return cmd
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "inspect the stability pool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "report that the stability pool this tool builds starts empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, _, err := buildEngine()
			if err != nil {
				return err
			}
			fmt.Println("stability pool is seeded empty by this tool; deposit through the embedding host to inspect balances")
			return nil
		},
	})
	return cmd
}
