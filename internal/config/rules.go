package config

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EnforcementMode selects how MaxContracts/MaxContractsPerInstrument
// remediate an over-limit position set.
type EnforcementMode string

const (
	ReduceToLimit EnforcementMode = "reduce_to_limit"
	CloseAll      EnforcementMode = "close_all"
)

// UnknownSymbolPolicy governs MaxContractsPerInstrument for symbols absent
// from its per-symbol limit table.
type UnknownSymbolPolicy string

const (
	PolicyBlock           UnknownSymbolPolicy = "block"
	PolicyAllowUnlimited  UnknownSymbolPolicy = "allow_unlimited"
	PolicyAllowWithLimit  UnknownSymbolPolicy = "allow_with_limit"
)

// RuleSet is the parsed, per-rule configuration for every account. Rule
// configuration may be overridden per account; an account without an
// override inherits the Defaults block.
type RuleSet struct {
	Defaults AccountRules            `yaml:"defaults"`
	Accounts map[int64]AccountRules `yaml:"accounts"`
}

// ForAccount returns the effective rule configuration for an account,
// falling back to Defaults for any rule the account does not override.
func (rs RuleSet) ForAccount(accountID int64) AccountRules {
	if ar, ok := rs.Accounts[accountID]; ok {
		return ar.mergeWithDefaults(rs.Defaults)
	}
	return rs.Defaults
}

// AccountRules bundles the twelve rules' configuration blocks.
type AccountRules struct {
	MaxContracts             *MaxContractsConfig             `yaml:"max_contracts"`
	MaxContractsPerInstrument *MaxContractsPerInstrumentConfig `yaml:"max_contracts_per_instrument"`
	DailyRealizedLoss        *ThresholdLockoutConfig          `yaml:"daily_realized_loss"`
	DailyUnrealizedLoss      *ThresholdLockoutConfig          `yaml:"daily_unrealized_loss"`
	MaxUnrealizedProfit      *ThresholdLockoutConfig          `yaml:"max_unrealized_profit"`
	TradeFrequencyLimit      *TradeFrequencyConfig            `yaml:"trade_frequency_limit"`
	CooldownAfterLoss        *CooldownAfterLossConfig         `yaml:"cooldown_after_loss"`
	NoStopLossGrace          *NoStopLossGraceConfig           `yaml:"no_stop_loss_grace"`
	SessionBlockOutside      *SessionBlockConfig              `yaml:"session_block_outside"`
	AuthLossGuard            *AuthLossGuardConfig             `yaml:"auth_loss_guard"`
	SymbolBlocks             *SymbolBlocksConfig              `yaml:"symbol_blocks"`
	TradeManagement          *TradeManagementConfig           `yaml:"trade_management"`
}

func (a AccountRules) mergeWithDefaults(d AccountRules) AccountRules {
	out := a
	if out.MaxContracts == nil {
		out.MaxContracts = d.MaxContracts
	}
	if out.MaxContractsPerInstrument == nil {
		out.MaxContractsPerInstrument = d.MaxContractsPerInstrument
	}
	if out.DailyRealizedLoss == nil {
		out.DailyRealizedLoss = d.DailyRealizedLoss
	}
	if out.DailyUnrealizedLoss == nil {
		out.DailyUnrealizedLoss = d.DailyUnrealizedLoss
	}
	if out.MaxUnrealizedProfit == nil {
		out.MaxUnrealizedProfit = d.MaxUnrealizedProfit
	}
	if out.TradeFrequencyLimit == nil {
		out.TradeFrequencyLimit = d.TradeFrequencyLimit
	}
	if out.CooldownAfterLoss == nil {
		out.CooldownAfterLoss = d.CooldownAfterLoss
	}
	if out.NoStopLossGrace == nil {
		out.NoStopLossGrace = d.NoStopLossGrace
	}
	if out.SessionBlockOutside == nil {
		out.SessionBlockOutside = d.SessionBlockOutside
	}
	if out.AuthLossGuard == nil {
		out.AuthLossGuard = d.AuthLossGuard
	}
	if out.SymbolBlocks == nil {
		out.SymbolBlocks = d.SymbolBlocks
	}
	if out.TradeManagement == nil {
		out.TradeManagement = d.TradeManagement
	}
	return out
}

type MaxContractsConfig struct {
	Enabled     bool            `yaml:"enabled"`
	GlobalLimit int64           `yaml:"global_limit"`
	Mode        EnforcementMode `yaml:"mode"`
}

type MaxContractsPerInstrumentConfig struct {
	Enabled       bool                    `yaml:"enabled"`
	Limits        map[string]int64        `yaml:"limits"`
	Mode          EnforcementMode         `yaml:"mode"`
	UnknownPolicy UnknownSymbolPolicy     `yaml:"unknown_symbol_policy"`
	UnknownLimit  int64                   `yaml:"unknown_symbol_limit"`
}

// ThresholdLockoutConfig backs DailyRealizedLoss, DailyUnrealizedLoss and
// MaxUnrealizedProfit: each closes everything and sets a hard lockout when
// a P&L threshold is crossed.
type ThresholdLockoutConfig struct {
	Enabled bool            `yaml:"enabled"`
	Limit   decimal.Decimal `yaml:"limit"`
}

type TradeFrequencyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MinuteLimit   int           `yaml:"minute_limit"`
	HourLimit     int           `yaml:"hour_limit"`
	SessionLimit  int           `yaml:"session_limit"`
	CooldownSeconds int         `yaml:"cooldown_seconds"`
}

type LossThresholdCooldown struct {
	LossAmount      decimal.Decimal `yaml:"loss_amount"`
	CooldownSeconds int             `yaml:"cooldown_seconds"`
}

type CooldownAfterLossConfig struct {
	Enabled    bool                    `yaml:"enabled"`
	Thresholds []LossThresholdCooldown `yaml:"thresholds"`
}

type NoStopLossGraceConfig struct {
	Enabled           bool `yaml:"enabled"`
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
}

type SessionWindow struct {
	Start string `yaml:"start"` // "HH:MM"
	End   string `yaml:"end"`   // "HH:MM"
}

type SessionBlockConfig struct {
	Enabled         bool                     `yaml:"enabled"`
	Timezone        string                   `yaml:"timezone"`
	Global          SessionWindow            `yaml:"global"`
	PerSymbol       map[string]SessionWindow `yaml:"per_symbol"`
	CloseAtWindowEnd bool                    `yaml:"close_at_window_end"`
}

type AuthLossGuardConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SymbolBlocksConfig struct {
	Enabled        bool     `yaml:"enabled"`
	BlockedSymbols []string `yaml:"blocked_symbols"`
}

type TradeManagementConfig struct {
	Enabled             bool  `yaml:"enabled"`
	BreakevenTriggerTicks int64 `yaml:"breakeven_trigger_ticks"`
	TrailingActivationTicks int64 `yaml:"trailing_activation_ticks"`
	TrailingDistanceTicks int64 `yaml:"trailing_distance_ticks"`
}

func loadRules(path string) (*RuleSet, error) {
	var rs RuleSet
	if err := loadYAML(path, &rs); err != nil {
		return nil, err
	}
	if rs.Accounts == nil {
		rs.Accounts = make(map[int64]AccountRules)
	}
	if c := rs.Defaults.MaxContractsPerInstrument; c != nil && c.UnknownPolicy == PolicyAllowWithLimit && c.UnknownLimit <= 0 {
		return nil, fmt.Errorf("rules: max_contracts_per_instrument: unknown_symbol_limit must be > 0 for allow_with_limit policy")
	}
	return &rs, nil
}
