package service

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"github.com/smallbiznis/lexbill/internal/config"
	feedomain "github.com/smallbiznis/lexbill/internal/fee/domain"
)

var (
	hundred = decimal.NewFromInt(100)

	complexityMultipliers = map[feedomain.Complexity]decimal.Decimal{
		feedomain.ComplexitySimple:  decimal.RequireFromString("1.0"),
		feedomain.ComplexityMedium:  decimal.RequireFromString("1.3"),
		feedomain.ComplexityComplex: decimal.RequireFromString("1.8"),
	}
	urgencyMultipliers = map[feedomain.Urgency]decimal.Decimal{
		feedomain.UrgencyNormal:    decimal.RequireFromString("1.0"),
		feedomain.UrgencyUrgent:    decimal.RequireFromString("1.2"),
		feedomain.UrgencyExpedited: decimal.RequireFromString("1.5"),
	}
	jurisdictionMultipliers = map[feedomain.Jurisdiction]decimal.Decimal{
		feedomain.JurisdictionLocal:      decimal.RequireFromString("1.0"),
		feedomain.JurisdictionProvincial: decimal.RequireFromString("1.2"),
		feedomain.JurisdictionNational:   decimal.RequireFromString("1.5"),
	}
)

// RulesSource yields the current rule table snapshot.
type RulesSource interface {
	Get() config.BillingRules
}

type Calculator struct {
	rules RulesSource
}

func NewCalculator(rules *config.BillingRulesHolder) feedomain.Calculator {
	return &Calculator{rules: rules}
}

// NewCalculatorWithRules is used where the rule table is fixed, e.g. tests.
func NewCalculatorWithRules(rules RulesSource) *Calculator {
	return &Calculator{rules: rules}
}

// normalized carries the request after defaults and validation.
type normalized struct {
	feeType      feedomain.FeeType
	currency     string
	complexity   feedomain.Complexity
	urgency      feedomain.Urgency
	jurisdiction feedomain.Jurisdiction
	hourly       bool
	flat         bool
	contingency  bool
}

func (c *Calculator) Calculate(req feedomain.Request) (feedomain.Result, error) {
	in, err := normalize(req)
	if err != nil {
		return feedomain.Result{}, err
	}
	rules := c.rules.Get()

	b := &breakdown{currency: in.currency}
	result := feedomain.Result{
		FeeType:  in.feeType,
		Currency: in.currency,
	}

	base := decimal.Zero
	if in.hourly {
		amount := req.Hours.Mul(*req.HourlyRate)
		b.add("hourly_component", fmt.Sprintf("%s hours x %s", req.Hours.String(), b.money(*req.HourlyRate)), amount)
		base = base.Add(amount)

		if floor, ok := rules.HourlyFloorFor(in.currency); ok {
			flag := feedomain.ComplianceFlag{Rule: feedomain.RuleHourlyRateFloor, Passed: true,
				Message: fmt.Sprintf("hourly rate %s meets the regulatory minimum of %s", b.money(*req.HourlyRate), b.money(floor))}
			if req.HourlyRate.LessThan(floor) {
				flag.Passed = false
				flag.Message = fmt.Sprintf("hourly rate %s is below the regulatory minimum of %s", b.money(*req.HourlyRate), b.money(floor))
			}
			result.Compliance = append(result.Compliance, flag)
		}
	}
	if in.flat {
		label := "flat_component"
		if in.feeType == feedomain.FeeTypeRetainer {
			label = "retainer_component"
		}
		b.add(label, "base amount", *req.BaseAmount)
		base = base.Add(*req.BaseAmount)
	}
	if in.contingency {
		requested := *req.Percentage
		ceiling := rules.ContingencyCeiling()
		applied := decimal.Min(requested, ceiling)
		result.RequestedPercentage = &requested
		result.AppliedPercentage = &applied

		amount := req.SettlementAmount.Mul(applied).Div(hundred)
		detail := fmt.Sprintf("settlement %s x %s%%", b.money(*req.SettlementAmount), applied.String())
		flag := feedomain.ComplianceFlag{Rule: feedomain.RuleContingencyCeiling, Passed: true,
			Message: fmt.Sprintf("contingency %s%% is within the %s%% ceiling", requested.String(), ceiling.String())}
		if requested.GreaterThan(ceiling) {
			detail += fmt.Sprintf(" (requested %s%%, capped at ceiling %s%%)", requested.String(), ceiling.String())
			flag.Passed = false
			flag.Message = fmt.Sprintf("requested contingency %s%% exceeds the %s%% ceiling; %s%% applied", requested.String(), ceiling.String(), applied.String())
		}
		b.add("contingency_component", detail, amount)
		result.Compliance = append(result.Compliance, flag)
		base = base.Add(amount)
	}

	result.BaseFee = base.Round(2)
	b.add("base_fee", string(in.feeType)+" base fee", result.BaseFee)

	result.ComplexityMultiplier = complexityMultipliers[in.complexity]
	result.UrgencyMultiplier = urgencyMultipliers[in.urgency]
	result.JurisdictionMultiplier = jurisdictionMultipliers[in.jurisdiction]

	fee := base
	fee = fee.Mul(result.ComplexityMultiplier)
	b.add("complexity_multiplier", fmt.Sprintf("x %s (%s)", result.ComplexityMultiplier.StringFixed(1), in.complexity), fee.Round(2))
	fee = fee.Mul(result.UrgencyMultiplier)
	b.add("urgency_multiplier", fmt.Sprintf("x %s (%s)", result.UrgencyMultiplier.StringFixed(1), in.urgency), fee.Round(2))
	fee = fee.Mul(result.JurisdictionMultiplier)
	b.add("jurisdiction_multiplier", fmt.Sprintf("x %s (%s)", result.JurisdictionMultiplier.StringFixed(1), in.jurisdiction), fee.Round(2))
	fee = fee.Round(2)

	if req.MinimumFee != nil && fee.LessThan(*req.MinimumFee) {
		fee = *req.MinimumFee
		b.add("minimum_fee", "raised to minimum fee", fee)
	}
	if req.MaximumFee != nil && fee.GreaterThan(*req.MaximumFee) {
		fee = *req.MaximumFee
		b.add("maximum_fee", "capped at maximum fee", fee)
	}
	result.FinalFee = fee
	b.add("final_fee", "final fee", fee)

	result.TaxRate = rules.TaxRateFor(string(in.jurisdiction), in.currency)
	result.TaxAmount = fee.Mul(result.TaxRate).Round(2)
	b.add("tax", fmt.Sprintf("tax at %s%%", result.TaxRate.Mul(hundred).String()), result.TaxAmount)

	result.Total = fee.Add(result.TaxAmount)
	b.add("total", "total including tax", result.Total)

	result.Breakdown = b.steps
	if result.Compliance == nil {
		result.Compliance = []feedomain.ComplianceFlag{}
	}
	return result, nil
}

type breakdown struct {
	currency string
	steps    []feedomain.Step
}

func (b *breakdown) add(code, description string, amount decimal.Decimal) {
	b.steps = append(b.steps, feedomain.Step{
		Order:       len(b.steps) + 1,
		Code:        code,
		Description: description,
		Amount:      amount,
	})
}

func (b *breakdown) money(v decimal.Decimal) string {
	return v.StringFixed(2) + " " + b.currency
}

func normalize(req feedomain.Request) (normalized, error) {
	var in normalized

	in.feeType = feedomain.FeeType(strings.ToUpper(strings.TrimSpace(string(req.FeeType))))
	switch in.feeType {
	case feedomain.FeeTypeHourly, feedomain.FeeTypeFlat, feedomain.FeeTypeContingency,
		feedomain.FeeTypeRetainer, feedomain.FeeTypeHybrid:
	case "":
		return in, required("fee_type")
	default:
		return in, apperror.Validation("fee_type", feedomain.CodeUnsupported, fmt.Sprintf("unsupported fee type %q", req.FeeType))
	}

	in.currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if in.currency == "" {
		return in, required("currency")
	}

	in.complexity = feedomain.Complexity(lowerOr(string(req.Complexity), string(feedomain.ComplexitySimple)))
	if _, ok := complexityMultipliers[in.complexity]; !ok {
		return in, apperror.Validation("complexity", feedomain.CodeUnsupported, fmt.Sprintf("unsupported complexity %q", req.Complexity))
	}
	in.urgency = feedomain.Urgency(lowerOr(string(req.Urgency), string(feedomain.UrgencyNormal)))
	if _, ok := urgencyMultipliers[in.urgency]; !ok {
		return in, apperror.Validation("urgency", feedomain.CodeUnsupported, fmt.Sprintf("unsupported urgency %q", req.Urgency))
	}
	in.jurisdiction = feedomain.Jurisdiction(lowerOr(string(req.Jurisdiction), string(feedomain.JurisdictionLocal)))
	if _, ok := jurisdictionMultipliers[in.jurisdiction]; !ok {
		return in, apperror.Validation("jurisdiction", feedomain.CodeUnsupported, fmt.Sprintf("unsupported jurisdiction %q", req.Jurisdiction))
	}

	if err := checkAmounts(req); err != nil {
		return in, err
	}

	switch in.feeType {
	case feedomain.FeeTypeHourly:
		if req.Hours == nil {
			return in, required("hours")
		}
		if req.HourlyRate == nil {
			return in, required("hourly_rate")
		}
		in.hourly = true
	case feedomain.FeeTypeFlat, feedomain.FeeTypeRetainer:
		if req.BaseAmount == nil {
			return in, required("base_amount")
		}
		in.flat = true
	case feedomain.FeeTypeContingency:
		if req.SettlementAmount == nil {
			return in, required("settlement_amount")
		}
		if req.Percentage == nil {
			return in, required("percentage")
		}
		in.contingency = true
	case feedomain.FeeTypeHybrid:
		// each component is either fully present or absent
		if (req.Hours == nil) != (req.HourlyRate == nil) {
			if req.Hours == nil {
				return in, required("hours")
			}
			return in, required("hourly_rate")
		}
		if (req.SettlementAmount == nil) != (req.Percentage == nil) {
			if req.SettlementAmount == nil {
				return in, required("settlement_amount")
			}
			return in, required("percentage")
		}
		in.hourly = req.Hours != nil
		in.flat = req.BaseAmount != nil
		in.contingency = req.SettlementAmount != nil
		if !in.hourly && !in.flat && !in.contingency {
			return in, apperror.Validation("fee_type", feedomain.CodeMissingComponent,
				"hybrid fee needs at least one of hours+hourly_rate, base_amount or settlement_amount+percentage")
		}
	}
	return in, nil
}

func checkAmounts(req feedomain.Request) error {
	nonNegative := []struct {
		field string
		value *decimal.Decimal
	}{
		{"hours", req.Hours},
		{"hourly_rate", req.HourlyRate},
		{"settlement_amount", req.SettlementAmount},
		{"base_amount", req.BaseAmount},
		{"minimum_fee", req.MinimumFee},
		{"maximum_fee", req.MaximumFee},
	}
	for _, item := range nonNegative {
		if item.value != nil && item.value.IsNegative() {
			return apperror.Validation(item.field, feedomain.CodeMustNotBeNegative, item.field+" must not be negative")
		}
	}
	if req.Percentage != nil {
		if !req.Percentage.IsPositive() {
			return apperror.Validation("percentage", feedomain.CodeMustBePositive, "percentage must be positive")
		}
		if req.Percentage.GreaterThan(hundred) {
			return apperror.Validation("percentage", feedomain.CodeOutOfRange, "percentage must not exceed 100")
		}
	}
	return nil
}

func required(field string) error {
	return apperror.Validation(field, feedomain.CodeRequired, field+" is required")
}

func lowerOr(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
