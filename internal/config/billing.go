package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingRules is the jurisdiction rule table consumed by the fee calculator,
// the milestone tracker and the invoice assembler. It is data, never computed.
type BillingRules struct {
	DefaultTaxRate            float64        `mapstructure:"defaultTaxRate"`
	TaxRates                  []TaxRate      `mapstructure:"taxRates"`
	HourlyFloors              []HourlyFloor  `mapstructure:"hourlyFloors"`
	ContingencyCeilingPercent float64        `mapstructure:"contingencyCeilingPercent"`
	PaymentTermsDays          int            `mapstructure:"paymentTermsDays"`
	LateFeeRate               float64        `mapstructure:"lateFeeRate"`
	InvoicePrefix             string         `mapstructure:"invoicePrefix"`
	CasePhases                []CasePhaseSet `mapstructure:"casePhases"`
}

// TaxRate is keyed by jurisdiction tier and currency. Empty keys act as wildcards.
type TaxRate struct {
	Jurisdiction string  `mapstructure:"jurisdiction"`
	Currency     string  `mapstructure:"currency"`
	Rate         float64 `mapstructure:"rate"`
}

type HourlyFloor struct {
	Currency string  `mapstructure:"currency"`
	Amount   float64 `mapstructure:"amount"`
}

// CasePhaseSet lists the phases compatible with a case type, in lifecycle order.
type CasePhaseSet struct {
	CaseType string   `mapstructure:"caseType"`
	Phases   []string `mapstructure:"phases"`
}

func DefaultBillingRules() BillingRules {
	return BillingRules{
		DefaultTaxRate: 0.11,
		TaxRates: []TaxRate{
			{Jurisdiction: "national", Rate: 0.12},
		},
		HourlyFloors: []HourlyFloor{
			{Currency: "USD", Amount: 50},
			{Currency: "IDR", Amount: 500000},
		},
		ContingencyCeilingPercent: 30,
		PaymentTermsDays:          30,
		LateFeeRate:               0.015,
		InvoicePrefix:             "INV",
		CasePhases: []CasePhaseSet{
			{CaseType: "litigation", Phases: []string{"intake", "pleadings", "discovery", "trial", "appeal", "closing"}},
			{CaseType: "corporate", Phases: []string{"intake", "due_diligence", "drafting", "closing"}},
			{CaseType: "family", Phases: []string{"intake", "mediation", "hearing", "closing"}},
		},
	}
}

// TaxRateFor resolves the most specific configured rate.
// Lookup order: jurisdiction+currency, jurisdiction, currency, default.
func (r BillingRules) TaxRateFor(jurisdiction, currency string) decimal.Decimal {
	jurisdiction = strings.ToLower(strings.TrimSpace(jurisdiction))
	currency = strings.ToUpper(strings.TrimSpace(currency))

	match := func(j, c string) (float64, bool) {
		for _, rate := range r.TaxRates {
			if strings.ToLower(rate.Jurisdiction) == j && strings.ToUpper(rate.Currency) == c {
				return rate.Rate, true
			}
		}
		return 0, false
	}
	if v, ok := match(jurisdiction, currency); ok {
		return decimal.NewFromFloat(v)
	}
	if v, ok := match(jurisdiction, ""); ok {
		return decimal.NewFromFloat(v)
	}
	if v, ok := match("", currency); ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.NewFromFloat(r.DefaultTaxRate)
}

// HourlyFloorFor returns the regulatory minimum hourly rate for the currency.
func (r BillingRules) HourlyFloorFor(currency string) (decimal.Decimal, bool) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, floor := range r.HourlyFloors {
		if strings.ToUpper(floor.Currency) == currency {
			return decimal.NewFromFloat(floor.Amount), true
		}
	}
	return decimal.Zero, false
}

func (r BillingRules) ContingencyCeiling() decimal.Decimal {
	return decimal.NewFromFloat(r.ContingencyCeilingPercent)
}

// PhasesFor returns the ordered phases allowed for a case type.
func (r BillingRules) PhasesFor(caseType string) []string {
	caseType = strings.ToLower(strings.TrimSpace(caseType))
	for _, set := range r.CasePhases {
		if strings.ToLower(set.CaseType) == caseType {
			return set.Phases
		}
	}
	return nil
}

// PhasePosition returns the index of phase in the case type's lifecycle, or -1.
func (r BillingRules) PhasePosition(caseType, phase string) int {
	phase = strings.ToLower(strings.TrimSpace(phase))
	for i, p := range r.PhasesFor(caseType) {
		if strings.ToLower(p) == phase {
			return i
		}
	}
	return -1
}

// BillingRulesHolder keeps the current rule table and swaps it on file change.
type BillingRulesHolder struct {
	current atomic.Value // holds BillingRules
}

// NewStaticBillingRules returns a holder that never reloads.
func NewStaticBillingRules(rules BillingRules) *BillingRulesHolder {
	holder := &BillingRulesHolder{}
	holder.current.Store(rules)
	return holder
}

func NewBillingRulesHolder(log *zap.Logger) (*BillingRulesHolder, error) {
	log = log.Named("billing.rules")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/lexbill/config")
	v.AddConfigPath("/etc/lexbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEXBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingRules()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
		log.Info("billing.yml not found, using built-in rules")
	}

	rules, err := decodeRules(v, defaults)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingRules(rules)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRules(v, defaults)
		if err != nil {
			log.Warn("billing rules reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing rules reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingRulesHolder) Get() BillingRules {
	return h.current.Load().(BillingRules)
}

func decodeRules(v *viper.Viper, defaults BillingRules) (BillingRules, error) {
	rules := defaults
	if v.IsSet("billing") {
		if err := v.UnmarshalKey("billing", &rules); err != nil {
			return BillingRules{}, err
		}
	}
	if err := validateBillingRules(rules); err != nil {
		return BillingRules{}, err
	}
	return rules, nil
}

func validateBillingRules(r BillingRules) error {
	if r.DefaultTaxRate < 0 || r.DefaultTaxRate >= 1 {
		return errors.New("billing.defaultTaxRate must be within [0, 1)")
	}
	for _, rate := range r.TaxRates {
		if rate.Rate < 0 || rate.Rate >= 1 {
			return fmt.Errorf("billing.taxRates: invalid rate %v for %s/%s", rate.Rate, rate.Jurisdiction, rate.Currency)
		}
	}
	if r.ContingencyCeilingPercent <= 0 || r.ContingencyCeilingPercent > 100 {
		return errors.New("billing.contingencyCeilingPercent must be within (0, 100]")
	}
	if r.PaymentTermsDays < 0 {
		return errors.New("billing.paymentTermsDays cannot be negative")
	}
	if r.LateFeeRate < 0 {
		return errors.New("billing.lateFeeRate cannot be negative")
	}
	if strings.TrimSpace(r.InvoicePrefix) == "" {
		return errors.New("billing.invoicePrefix cannot be empty")
	}
	if len(r.CasePhases) == 0 {
		return errors.New("billing.casePhases cannot be empty")
	}
	return nil
}
