package adapters

import (
	"errors"
	"sort"
	"strings"

	"github.com/smallbiznis/lexbill/internal/payment/domain"
)

// Registry maps a payment method to its gateway adapter.
type Registry struct {
	adapters map[string]domain.GatewayAdapter
}

func NewRegistry(adapters ...domain.GatewayAdapter) *Registry {
	registry := &Registry{adapters: map[string]domain.GatewayAdapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		method := normalizeMethod(adapter.Provider())
		if method == "" {
			continue
		}
		registry.adapters[method] = adapter
	}
	return registry
}

// Resolve fails fast with ErrGatewayNotImplemented for unmapped methods.
func (r *Registry) Resolve(method string) (domain.GatewayAdapter, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotImplemented
	}
	adapter, ok := r.adapters[normalizeMethod(method)]
	if !ok {
		return nil, domain.ErrGatewayNotImplemented
	}
	return adapter, nil
}

func (r *Registry) Supports(method string) bool {
	_, err := r.Resolve(method)
	return err == nil
}

// Webhook returns the webhook side of a provider's adapter.
func (r *Registry) Webhook(provider string) (domain.WebhookAdapter, error) {
	adapter, err := r.Resolve(provider)
	if err != nil {
		return nil, err
	}
	hook, ok := adapter.(domain.WebhookAdapter)
	if !ok {
		return nil, domain.ErrWebhookNotSupported
	}
	return hook, nil
}

func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.adapters))
	for method := range r.adapters {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (r *Registry) Close() error {
	var errs []error
	for _, adapter := range r.adapters {
		if err := adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
