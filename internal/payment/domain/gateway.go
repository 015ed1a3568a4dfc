package domain

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
)

//go:generate mockgen -destination=mock/mock_gateway.go -package=mock . GatewayAdapter

// GatewayAdapter is the capability a payment method maps to. Each method has
// exactly one adapter.
type GatewayAdapter interface {
	Provider() string
	CheckStatus(ctx context.Context, reference string) (Status, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal, currency string) error
	Close() error
}

// WebhookAdapter is implemented by gateways that push status changes.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*GatewayEvent, error)
}

var (
	ErrGatewayNotImplemented = apperror.Gateway("gateway_not_implemented", "no gateway adapter is registered for this payment method")
	ErrGatewayUnavailable    = apperror.Gateway("gateway_unavailable", "payment gateway call failed")
	ErrUnknownGatewayStatus  = apperror.Gateway("gateway_status_unknown", "payment gateway returned an unknown status")
	ErrMissingReference      = apperror.Gateway("gateway_reference_missing", "payment has no transaction id or reference")
	ErrWebhookNotSupported   = apperror.Invalid("webhook_not_supported", "provider does not deliver webhooks")
	ErrInvalidSignature      = apperror.Invalid("invalid_signature", "webhook signature is not valid")
	ErrInvalidPayload        = apperror.Invalid("invalid_payload", "webhook payload is not valid")
	ErrInvalidEvent          = apperror.Invalid("invalid_event", "webhook event is not valid")
	ErrEventIgnored          = apperror.Invalid("event_ignored", "webhook event type is not handled")
)

// GatewayError wraps a failed adapter call. It classifies as a gateway error
// and still exposes the underlying cause.
type GatewayError struct {
	Method    string
	Reference string
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s reference %s: %v", e.Method, e.Reference, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	return []error{e.Err, ErrGatewayUnavailable}
}
