package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// FailMode decides what the velocity limiter does when its counter store is unreachable.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode accepts only the two explicit directions.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("invalid velocity fail mode %q: must be %q or %q", s, FailOpen, FailClosed)
}

type RiskRules struct {
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	VelocityLimit    int64
	VelocityWindow   time.Duration
	VelocityFailMode FailMode
	DuplicateWindow  time.Duration
	RefundLimit      int64
	RefundWindow     time.Duration
}

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

type LedgerConfig struct {
	Risk    RiskRules
	Breaker BreakerConfig

	// PointsPerUnit is the redemption rate: this many points buy one currency unit.
	PointsPerUnit int64
	// RedemptionThreshold is the minimum point balance for redemption to apply.
	RedemptionThreshold int64
	MerchantMultipliers map[string]decimal.Decimal
	DefaultMultiplier   decimal.Decimal

	OperationTimeout time.Duration
	LockTimeout      time.Duration
}

func defaultMultipliers() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"7-11":        decimal.NewFromInt(1),
		"Steam":       decimal.NewFromInt(2),
		"Apple Store": decimal.NewFromInt(3),
		"Amazon":      decimal.RequireFromString("1.5"),
	}
}

// DefaultLedgerConfig returns the production rule set.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		Risk: RiskRules{
			MinAmount:        decimal.NewFromInt(1),
			MaxAmount:        decimal.NewFromInt(10000),
			VelocityLimit:    3,
			VelocityWindow:   60 * time.Second,
			VelocityFailMode: FailClosed,
			DuplicateWindow:  5 * time.Minute,
			RefundLimit:      3,
			RefundWindow:     24 * time.Hour,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
		PointsPerUnit:       100,
		RedemptionThreshold: 100,
		MerchantMultipliers: defaultMultipliers(),
		DefaultMultiplier:   decimal.NewFromInt(1),
		OperationTimeout:    10 * time.Second,
		LockTimeout:         5 * time.Second,
	}
}

// RelaxForLoadTest lifts the anti-abuse limits so synthetic traffic is not rejected.
func (c *LedgerConfig) RelaxForLoadTest() {
	c.Risk.VelocityLimit = math.MaxInt64
	c.Risk.VelocityWindow = time.Second
	c.Risk.DuplicateWindow = time.Second
	c.Risk.RefundLimit = math.MaxInt64
}

// Multiplier returns the reward multiplier for merchant.
func (c *LedgerConfig) Multiplier(merchant string) decimal.Decimal {
	if m, ok := c.MerchantMultipliers[merchant]; ok {
		return m
	}
	return c.DefaultMultiplier
}

func (c *LedgerConfig) Validate() error {
	var errs []error
	r := c.Risk
	if !r.MinAmount.IsPositive() {
		errs = append(errs, errors.New("min amount must be positive"))
	}
	if r.MaxAmount.LessThan(r.MinAmount) {
		errs = append(errs, errors.New("max amount must not be below min amount"))
	}
	if r.VelocityLimit <= 0 || r.VelocityWindow <= 0 {
		errs = append(errs, errors.New("velocity limit and window must be positive"))
	}
	if _, err := ParseFailMode(string(r.VelocityFailMode)); err != nil {
		errs = append(errs, err)
	}
	if r.DuplicateWindow <= 0 || r.RefundWindow <= 0 {
		errs = append(errs, errors.New("duplicate and refund windows must be positive"))
	}
	if r.RefundLimit <= 0 {
		errs = append(errs, errors.New("refund limit must be positive"))
	}
	if c.PointsPerUnit <= 0 {
		errs = append(errs, errors.New("points per unit must be positive"))
	}
	if c.RedemptionThreshold < c.PointsPerUnit {
		errs = append(errs, errors.New("redemption threshold must cover at least one unit"))
	}
	if c.DefaultMultiplier.IsNegative() {
		errs = append(errs, errors.New("default multiplier must not be negative"))
	}
	for name, m := range c.MerchantMultipliers {
		if m.IsNegative() {
			errs = append(errs, fmt.Errorf("multiplier for %q must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// LoadLedgerConfig reads ledger rules from viper, falling back to DefaultLedgerConfig.
func LoadLedgerConfig() (*LedgerConfig, error) {
	def := DefaultLedgerConfig()

	viper.SetDefault("ledger.min_amount", def.Risk.MinAmount.String())
	viper.SetDefault("ledger.max_amount", def.Risk.MaxAmount.String())
	viper.SetDefault("ledger.velocity_limit", def.Risk.VelocityLimit)
	viper.SetDefault("ledger.velocity_window", def.Risk.VelocityWindow)
	viper.SetDefault("ledger.velocity_fail_mode", string(def.Risk.VelocityFailMode))
	viper.SetDefault("ledger.duplicate_window", def.Risk.DuplicateWindow)
	viper.SetDefault("ledger.refund_limit", def.Risk.RefundLimit)
	viper.SetDefault("ledger.refund_window", def.Risk.RefundWindow)
	viper.SetDefault("ledger.breaker_failures", def.Breaker.ConsecutiveFailures)
	viper.SetDefault("ledger.breaker_timeout", def.Breaker.OpenTimeout)
	viper.SetDefault("ledger.points_per_unit", def.PointsPerUnit)
	viper.SetDefault("ledger.redemption_threshold", def.RedemptionThreshold)
	viper.SetDefault("ledger.default_multiplier", def.DefaultMultiplier.String())
	viper.SetDefault("ledger.operation_timeout", def.OperationTimeout)
	viper.SetDefault("ledger.lock_timeout", def.LockTimeout)
	viper.SetDefault("ledger.load_test", false)

	minAmount, err := decimal.NewFromString(viper.GetString("ledger.min_amount"))
	if err != nil {
		return nil, fmt.Errorf("ledger.min_amount: %w", err)
	}
	maxAmount, err := decimal.NewFromString(viper.GetString("ledger.max_amount"))
	if err != nil {
		return nil, fmt.Errorf("ledger.max_amount: %w", err)
	}
	failMode, err := ParseFailMode(viper.GetString("ledger.velocity_fail_mode"))
	if err != nil {
		return nil, err
	}
	defaultMult, err := decimal.NewFromString(viper.GetString("ledger.default_multiplier"))
	if err != nil {
		return nil, fmt.Errorf("ledger.default_multiplier: %w", err)
	}

	cfg := &LedgerConfig{
		Risk: RiskRules{
			MinAmount:        minAmount,
			MaxAmount:        maxAmount,
			VelocityLimit:    viper.GetInt64("ledger.velocity_limit"),
			VelocityWindow:   viper.GetDuration("ledger.velocity_window"),
			VelocityFailMode: failMode,
			DuplicateWindow:  viper.GetDuration("ledger.duplicate_window"),
			RefundLimit:      viper.GetInt64("ledger.refund_limit"),
			RefundWindow:     viper.GetDuration("ledger.refund_window"),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: viper.GetUint32("ledger.breaker_failures"),
			OpenTimeout:         viper.GetDuration("ledger.breaker_timeout"),
		},
		PointsPerUnit:       viper.GetInt64("ledger.points_per_unit"),
		RedemptionThreshold: viper.GetInt64("ledger.redemption_threshold"),
		MerchantMultipliers: defaultMultipliers(),
		DefaultMultiplier:   defaultMult,
		OperationTimeout:    viper.GetDuration("ledger.operation_timeout"),
		LockTimeout:         viper.GetDuration("ledger.lock_timeout"),
	}

	// Overrides take the form "Steam=2,Amazon=1.5".
	if raw := viper.GetString("ledger.merchant_multipliers"); raw != "" {
		overrides, err := parseMultipliers(raw)
		if err != nil {
			return nil, err
		}
		cfg.MerchantMultipliers = overrides
	}

	if viper.GetBool("ledger.load_test") {
		cfg.RelaxForLoadTest()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseMultipliers(raw string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("ledger.merchant_multipliers: malformed pair %q", pair)
		}
		m, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("ledger.merchant_multipliers: %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = m
	}
	return out, nil
}
