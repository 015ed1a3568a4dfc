package manual

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
)

const (
	MethodBankTransfer = "bank_transfer"
	MethodCash         = "cash"
)

// LookupFunc loads the locally recorded payment for a method and reference.
type LookupFunc func(ctx context.Context, method, reference string) (*paymentdomain.Payment, error)

// Adapter serves offline payment methods. There is no remote system, so the
// local record is the source of truth and always reconciles as matched.
type Adapter struct {
	method string
	lookup LookupFunc
}

func New(method string, lookup LookupFunc) *Adapter {
	return &Adapter{method: strings.ToLower(strings.TrimSpace(method)), lookup: lookup}
}

func (a *Adapter) Provider() string { return a.method }

func (a *Adapter) CheckStatus(ctx context.Context, reference string) (paymentdomain.Status, error) {
	if strings.TrimSpace(reference) == "" {
		return "", paymentdomain.ErrMissingReference
	}
	if a.lookup == nil {
		return "", paymentdomain.ErrGatewayNotImplemented
	}
	payment, err := a.lookup(ctx, a.method, reference)
	if err != nil {
		return "", err
	}
	if payment == nil {
		return "", paymentdomain.ErrUnknownTransaction
	}
	return payment.Status, nil
}

// Refund is settled by hand outside the system.
func (a *Adapter) Refund(ctx context.Context, reference string, amount decimal.Decimal, currency string) error {
	if strings.TrimSpace(reference) == "" {
		return paymentdomain.ErrMissingReference
	}
	return nil
}

func (a *Adapter) Close() error { return nil }
