package payment

import (
	"context"

	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/payment/adapters"
	"github.com/smallbiznis/lexbill/internal/payment/adapters/manual"
	"github.com/smallbiznis/lexbill/internal/payment/adapters/paypal"
	"github.com/smallbiznis/lexbill/internal/payment/adapters/stripe"
	"github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/lexbill/internal/payment/service"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
)

// NewRegistry wires one adapter per supported payment method.
func NewRegistry(lc fx.Lifecycle, cfg config.Config, conn *gorm.DB, repo domain.Repository) *adapters.Registry {
	lookup := func(ctx context.Context, method, reference string) (*domain.Payment, error) {
		return repo.FindByGatewayReference(ctx, conn, method, reference)
	}

	registry := adapters.NewRegistry(
		stripe.New(stripe.Config{
			BaseURL:       cfg.Gateways.StripeBaseURL,
			APIKey:        cfg.Gateways.StripeAPIKey,
			WebhookSecret: cfg.Gateways.StripeWebhookSecret,
		}),
		paypal.New(paypal.Config{
			BaseURL:      cfg.Gateways.PaypalBaseURL,
			ClientID:     cfg.Gateways.PaypalClientID,
			ClientSecret: cfg.Gateways.PaypalClientSecret,
		}),
		manual.New(manual.MethodBankTransfer, lookup),
		manual.New(manual.MethodCash, lookup),
	)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return registry.Close()
		},
	})
	return registry
}
