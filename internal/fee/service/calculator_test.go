package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"github.com/smallbiznis/lexbill/internal/config"
	feedomain "github.com/smallbiznis/lexbill/internal/fee/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newCalculator() *Calculator {
	rules := config.DefaultBillingRules()
	rules.DefaultTaxRate = 0.1
	rules.TaxRates = nil
	return NewCalculatorWithRules(config.NewStaticBillingRules(rules))
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got.String())
}

func TestContingencyCeilingCapsAppliedPercentage(t *testing.T) {
	res, err := newCalculator().Calculate(feedomain.Request{
		FeeType:          feedomain.FeeTypeContingency,
		Currency:         "USD",
		SettlementAmount: dec("100000"),
		Percentage:       dec("45"),
	})
	require.NoError(t, err)

	require.NotNil(t, res.AppliedPercentage)
	require.NotNil(t, res.RequestedPercentage)
	assertDecimal(t, "30", *res.AppliedPercentage)
	assertDecimal(t, "45", *res.RequestedPercentage)
	assertDecimal(t, "30000", res.FinalFee)
	assertDecimal(t, "3000", res.TaxAmount)
	assertDecimal(t, "33000", res.Total)

	assert.False(t, res.Compliant())
	require.Len(t, res.Compliance, 1)
	assert.Equal(t, feedomain.RuleContingencyCeiling, res.Compliance[0].Rule)
	assert.Contains(t, res.Breakdown[0].Description, "requested 45%")
}

func TestHourlyWithMultipliersAndFloorFlag(t *testing.T) {
	res, err := newCalculator().Calculate(feedomain.Request{
		FeeType:      feedomain.FeeTypeHourly,
		Currency:     "usd",
		Complexity:   feedomain.ComplexityMedium,
		Urgency:      feedomain.UrgencyUrgent,
		Jurisdiction: feedomain.JurisdictionProvincial,
		Hours:        dec("10"),
		HourlyRate:   dec("40"),
	})
	require.NoError(t, err)

	// 400 x 1.3 x 1.2 x 1.2
	assertDecimal(t, "400", res.BaseFee)
	assertDecimal(t, "748.8", res.FinalFee)
	assertDecimal(t, "74.88", res.TaxAmount)
	assertDecimal(t, "823.68", res.Total)
	assert.Equal(t, "USD", res.Currency)

	require.Len(t, res.Compliance, 1)
	assert.Equal(t, feedomain.RuleHourlyRateFloor, res.Compliance[0].Rule)
	assert.False(t, res.Compliance[0].Passed)

	codes := make([]string, 0, len(res.Breakdown))
	for i, step := range res.Breakdown {
		assert.Equal(t, i+1, step.Order)
		codes = append(codes, step.Code)
	}
	assert.Equal(t, []string{
		"hourly_component", "base_fee", "complexity_multiplier", "urgency_multiplier",
		"jurisdiction_multiplier", "final_fee", "tax", "total",
	}, codes)
}

func TestFeeMonotonicInTiers(t *testing.T) {
	calc := newCalculator()
	base := feedomain.Request{
		FeeType:    feedomain.FeeTypeFlat,
		Currency:   "USD",
		BaseAmount: dec("1234.56"),
	}

	complexities := []feedomain.Complexity{feedomain.ComplexitySimple, feedomain.ComplexityMedium, feedomain.ComplexityComplex}
	urgencies := []feedomain.Urgency{feedomain.UrgencyNormal, feedomain.UrgencyUrgent, feedomain.UrgencyExpedited}

	for _, u := range urgencies {
		prev := decimal.Zero
		for _, c := range complexities {
			req := base
			req.Urgency, req.Complexity = u, c
			res, err := calc.Calculate(req)
			require.NoError(t, err)
			assert.True(t, res.FinalFee.GreaterThanOrEqual(prev), "complexity %s urgency %s", c, u)
			prev = res.FinalFee
		}
	}
	for _, c := range complexities {
		prev := decimal.Zero
		for _, u := range urgencies {
			req := base
			req.Urgency, req.Complexity = u, c
			res, err := calc.Calculate(req)
			require.NoError(t, err)
			assert.True(t, res.FinalFee.GreaterThanOrEqual(prev), "complexity %s urgency %s", c, u)
			prev = res.FinalFee
		}
	}
}

func TestClampMinimumThenMaximum(t *testing.T) {
	calc := newCalculator()

	res, err := calc.Calculate(feedomain.Request{
		FeeType: feedomain.FeeTypeFlat, Currency: "USD",
		BaseAmount: dec("100"), MinimumFee: dec("250"),
	})
	require.NoError(t, err)
	assertDecimal(t, "250", res.FinalFee)

	res, err = calc.Calculate(feedomain.Request{
		FeeType: feedomain.FeeTypeFlat, Currency: "USD",
		BaseAmount: dec("1000"), MaximumFee: dec("600"),
	})
	require.NoError(t, err)
	assertDecimal(t, "600", res.FinalFee)

	// both apply: minimum first, maximum caps the result
	res, err = calc.Calculate(feedomain.Request{
		FeeType: feedomain.FeeTypeFlat, Currency: "USD",
		BaseAmount: dec("100"), MinimumFee: dec("500"), MaximumFee: dec("300"),
	})
	require.NoError(t, err)
	assertDecimal(t, "300", res.FinalFee)
}

func TestHybridSumsComponents(t *testing.T) {
	res, err := newCalculator().Calculate(feedomain.Request{
		FeeType:          feedomain.FeeTypeHybrid,
		Currency:         "USD",
		Hours:            dec("2"),
		HourlyRate:       dec("100"),
		BaseAmount:       dec("500"),
		SettlementAmount: dec("10000"),
		Percentage:       dec("10"),
	})
	require.NoError(t, err)
	assertDecimal(t, "1700", res.BaseFee)
	assert.True(t, res.Compliant())
	assert.Len(t, res.Compliance, 2)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		req   feedomain.Request
		field string
		code  string
	}{
		{"missing currency", feedomain.Request{FeeType: feedomain.FeeTypeFlat, BaseAmount: dec("1")}, "currency", feedomain.CodeRequired},
		{"hourly without rate", feedomain.Request{FeeType: feedomain.FeeTypeHourly, Currency: "USD", Hours: dec("1")}, "hourly_rate", feedomain.CodeRequired},
		{"retainer without base", feedomain.Request{FeeType: feedomain.FeeTypeRetainer, Currency: "USD"}, "base_amount", feedomain.CodeRequired},
		{"contingency without percentage", feedomain.Request{FeeType: feedomain.FeeTypeContingency, Currency: "USD", SettlementAmount: dec("1")}, "percentage", feedomain.CodeRequired},
		{"empty hybrid", feedomain.Request{FeeType: feedomain.FeeTypeHybrid, Currency: "USD"}, "fee_type", feedomain.CodeMissingComponent},
		{"half hybrid pair", feedomain.Request{FeeType: feedomain.FeeTypeHybrid, Currency: "USD", Percentage: dec("5")}, "settlement_amount", feedomain.CodeRequired},
		{"unknown fee type", feedomain.Request{FeeType: "BARTER", Currency: "USD"}, "fee_type", feedomain.CodeUnsupported},
		{"unknown urgency", feedomain.Request{FeeType: feedomain.FeeTypeFlat, Currency: "USD", Urgency: "yesterday", BaseAmount: dec("1")}, "urgency", feedomain.CodeUnsupported},
		{"negative hours", feedomain.Request{FeeType: feedomain.FeeTypeHourly, Currency: "USD", Hours: dec("-1"), HourlyRate: dec("1")}, "hours", feedomain.CodeMustNotBeNegative},
		{"percentage over 100", feedomain.Request{FeeType: feedomain.FeeTypeContingency, Currency: "USD", SettlementAmount: dec("1"), Percentage: dec("120")}, "percentage", feedomain.CodeOutOfRange},
	}

	calc := newCalculator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := calc.Calculate(tc.req)
			var vErr *apperror.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
			assert.Equal(t, tc.code, vErr.Code)
		})
	}
}

func TestCalculateIsDeterministic(t *testing.T) {
	calc := newCalculator()
	req := feedomain.Request{
		FeeType: feedomain.FeeTypeHourly, Currency: "IDR", Jurisdiction: feedomain.JurisdictionNational,
		Hours: dec("3.5"), HourlyRate: dec("750000"),
	}
	a, err := calc.Calculate(req)
	require.NoError(t, err)
	b, err := calc.Calculate(req)
	require.NoError(t, err)
	assert.True(t, a.Total.Equal(b.Total))
	assert.Equal(t, a.Breakdown, b.Breakdown)
}
