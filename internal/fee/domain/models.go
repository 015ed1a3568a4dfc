package domain

import (
	"github.com/shopspring/decimal"
)

type FeeType string

const (
	FeeTypeHourly      FeeType = "HOURLY"
	FeeTypeFlat        FeeType = "FLAT"
	FeeTypeContingency FeeType = "CONTINGENCY"
	FeeTypeRetainer    FeeType = "RETAINER"
	FeeTypeHybrid      FeeType = "HYBRID"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyExpedited Urgency = "expedited"
)

type Jurisdiction string

const (
	JurisdictionLocal      Jurisdiction = "local"
	JurisdictionProvincial Jurisdiction = "provincial"
	JurisdictionNational   Jurisdiction = "national"
)

// Request is the immutable input of a fee calculation. Numeric parameters are
// optional; which ones are required depends on FeeType.
type Request struct {
	FeeType      FeeType      `json:"fee_type"`
	CaseType     string       `json:"case_type,omitempty"`
	Jurisdiction Jurisdiction `json:"jurisdiction,omitempty"`
	Complexity   Complexity   `json:"complexity,omitempty"`
	Urgency      Urgency      `json:"urgency,omitempty"`
	Currency     string       `json:"currency"`

	Hours            *decimal.Decimal `json:"hours,omitempty"`
	HourlyRate       *decimal.Decimal `json:"hourly_rate,omitempty"`
	SettlementAmount *decimal.Decimal `json:"settlement_amount,omitempty"`
	Percentage       *decimal.Decimal `json:"percentage,omitempty"`
	BaseAmount       *decimal.Decimal `json:"base_amount,omitempty"`
	MinimumFee       *decimal.Decimal `json:"minimum_fee,omitempty"`
	MaximumFee       *decimal.Decimal `json:"maximum_fee,omitempty"`
}

// Step is one line of the human-readable calculation breakdown.
type Step struct {
	Order       int             `json:"order"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// ComplianceFlag reports a regulatory check. A failed flag never blocks the
// calculation; it is surfaced for review.
type ComplianceFlag struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

const (
	RuleHourlyRateFloor    = "hourly_rate_floor"
	RuleContingencyCeiling = "contingency_ceiling"
)

type Result struct {
	FeeType                FeeType          `json:"fee_type"`
	Currency               string           `json:"currency"`
	BaseFee                decimal.Decimal  `json:"base_fee"`
	ComplexityMultiplier   decimal.Decimal  `json:"complexity_multiplier"`
	UrgencyMultiplier      decimal.Decimal  `json:"urgency_multiplier"`
	JurisdictionMultiplier decimal.Decimal  `json:"jurisdiction_multiplier"`
	FinalFee               decimal.Decimal  `json:"final_fee"`
	TaxRate                decimal.Decimal  `json:"tax_rate"`
	TaxAmount              decimal.Decimal  `json:"tax_amount"`
	Total                  decimal.Decimal  `json:"total"`
	RequestedPercentage    *decimal.Decimal `json:"requested_percentage,omitempty"`
	AppliedPercentage      *decimal.Decimal `json:"applied_percentage,omitempty"`
	Breakdown              []Step           `json:"breakdown"`
	Compliance             []ComplianceFlag `json:"compliance"`
}

// Compliant is false when any regulatory check failed.
func (r Result) Compliant() bool {
	for _, flag := range r.Compliance {
		if !flag.Passed {
			return false
		}
	}
	return true
}
