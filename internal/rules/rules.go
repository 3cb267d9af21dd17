// Package rules implements the conversion decisioning applied to each
// incoming payment. Evaluate is a pure function: the same amount, rule,
// tier limits and accumulated balance always produce the same decision.
package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleType discriminates the conversion rule variants.
type RuleType string

const (
	RuleTypePercentage RuleType = "percentage"
	RuleTypeThreshold  RuleType = "threshold"
	RuleTypeFixedDCA   RuleType = "fixed_dca"
)

// Rule is a tenant's conversion configuration. Fields beyond Type are
// variant-specific; unset decimals are zero.
type Rule struct {
	ID       string
	TenantID string
	Type     RuleType
	Active   bool

	// percentage variant
	ConversionPct decimal.Decimal
	MinPurchase   decimal.Decimal
	MaxPurchase   decimal.Decimal

	// threshold variant
	ThresholdAmount decimal.Decimal
	BufferAmount    decimal.Decimal

	// fixed_dca variant, executed by the scheduler rather than by
	// transaction events
	DCAAmount   decimal.Decimal
	DCAInterval time.Duration

	AutoWithdrawal    bool
	WithdrawalAddress string
}

// TierLimits are subscription-plan ceilings applied on top of the rule.
// Zero values mean unlimited.
type TierLimits struct {
	MaxPercentage        decimal.Decimal
	MaxSingleTransaction decimal.Decimal
}

// Decision is the evaluator output consumed by the purchase executor.
type Decision struct {
	ShouldConvert bool
	Amount        decimal.Decimal
	Reason        string
}

func skip(reason string) Decision {
	return Decision{ShouldConvert: false, Amount: decimal.Zero, Reason: reason}
}

// Evaluate maps a payment amount and the tenant's active rule to a
// convert/skip decision with a clamped AUD amount. For threshold rules,
// accumulated is the sum of prior unconverted flagged amounts at
// evaluation time.
func Evaluate(amount decimal.Decimal, rule Rule, tier TierLimits, accumulated decimal.Decimal) Decision {
	if amount.Sign() <= 0 {
		return skip("non-positive payment amount")
	}

	switch rule.Type {
	case RuleTypePercentage:
		return evaluatePercentage(amount, rule, tier)
	case RuleTypeThreshold:
		return evaluateThreshold(amount, rule, accumulated)
	case RuleTypeFixedDCA:
		return skip("fixed_dca rules execute on schedule, not per transaction")
	default:
		return skip("unknown rule type " + string(rule.Type))
	}
}

var hundred = decimal.NewFromInt(100)

func evaluatePercentage(amount decimal.Decimal, rule Rule, tier TierLimits) Decision {
	if rule.ConversionPct.Sign() <= 0 {
		return skip("conversion percentage not configured")
	}
	if tier.MaxPercentage.Sign() > 0 && rule.ConversionPct.GreaterThan(tier.MaxPercentage) {
		return skip("configured percentage " + rule.ConversionPct.String() + "% exceeds tier limit " + tier.MaxPercentage.String() + "%")
	}

	raw := amount.Mul(rule.ConversionPct).Div(hundred)
	if rule.MinPurchase.Sign() > 0 && raw.LessThan(rule.MinPurchase) {
		return skip("amount " + raw.StringFixed(2) + " below minimum purchase " + rule.MinPurchase.StringFixed(2))
	}

	ceiling := rule.MaxPurchase
	if tier.MaxSingleTransaction.Sign() > 0 && (ceiling.Sign() <= 0 || tier.MaxSingleTransaction.LessThan(ceiling)) {
		ceiling = tier.MaxSingleTransaction
	}
	if ceiling.Sign() > 0 && raw.GreaterThan(ceiling) {
		return Decision{ShouldConvert: true, Amount: ceiling, Reason: "percentage conversion clamped to maximum purchase"}
	}

	return Decision{ShouldConvert: true, Amount: raw, Reason: "percentage conversion"}
}

func evaluateThreshold(amount decimal.Decimal, rule Rule, accumulated decimal.Decimal) Decision {
	if rule.ThresholdAmount.Sign() <= 0 {
		return skip("threshold amount not configured")
	}

	newBalance := accumulated.Add(amount)
	if newBalance.LessThan(rule.ThresholdAmount) {
		return skip("accumulated balance " + newBalance.StringFixed(2) + " below threshold " + rule.ThresholdAmount.StringFixed(2))
	}

	convert := newBalance.Sub(rule.BufferAmount)
	if convert.Sign() <= 0 {
		return skip("buffer retains the full accumulated balance")
	}
	if rule.MinPurchase.Sign() > 0 && convert.LessThan(rule.MinPurchase) {
		return skip("amount " + convert.StringFixed(2) + " below minimum purchase " + rule.MinPurchase.StringFixed(2))
	}

	return Decision{ShouldConvert: true, Amount: convert, Reason: "threshold crossed"}
}
