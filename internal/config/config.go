// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the engine's owner, interest-recipient, and
// collateral-parameter seeds from a YAML file with CDP_-prefixed
// environment variable overrides.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/geth/common"
	"github.com/spf13/viper"
)

// CollateralSeed is one [[collaterals]] entry in the config file. Every
// rate/ratio field is a decimal string in 1e18-scaled fixed point, e.g.
// "110000000000000000000" for a 110% minimum collateral ratio (MCR bounds
// are percentages scaled by 1e18) or "10000000000000000" for a 1% fee.
type CollateralSeed struct {
	Asset              string `mapstructure:"asset"`
	Decimals           uint8  `mapstructure:"decimals"`
	MinRange           string `mapstructure:"min_range"`
	MaxRange           string `mapstructure:"max_range"`
	MCRFactor          string `mapstructure:"mcr_factor"`
	BaseFee            string `mapstructure:"base_fee"`
	MaxFee             string `mapstructure:"max_fee"`
	MinNetDebt         string `mapstructure:"min_net_debt"`
	MintCap            string `mapstructure:"mint_cap"`
	LiquidationPenalty string `mapstructure:"liquidation_penalty"`
	Active             bool   `mapstructure:"active"`
}

// MintRecipientSeed is one entry of the interest-mint distribution list.
type MintRecipientSeed struct {
	Recipient string `mapstructure:"recipient"`
	Bps       uint64 `mapstructure:"bps"`
}

// Config is the engine's full startup configuration.
type Config struct {
	Owner                    string              `mapstructure:"owner"`
	DefaultInterestRecipient string              `mapstructure:"default_interest_recipient"`
	RedemptionFee            string              `mapstructure:"redemption_fee"`
	LogLevel                 string              `mapstructure:"log_level"`
	MintRecipients           []MintRecipientSeed `mapstructure:"mint_recipients"`
	Collaterals              []CollateralSeed    `mapstructure:"collaterals"`
}

// Load reads configuration from path (if non-empty) or from ./cdpengine.yaml
// and the current directory, then applies CDP_-prefixed environment
// variable overrides (e.g. CDP_OWNER, CDP_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("redemption_fee", "5000000000000000") // 0.5%

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cdpengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ParseDec parses a 1e18-scaled decimal string field from the config file.
// An empty string parses to nil, marking a field left unset (an unset
// redemption fee is not applied; an unset collateral parameter is rejected).
func ParseDec(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal literal %q", s)
	}
	return n, nil
}

// ParseAddress parses a hex-encoded address field, defaulting to the zero
// address for an empty string.
func ParseAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
