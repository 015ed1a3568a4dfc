package invoice

import (
	"github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/invoice/projector"
	"github.com/smallbiznis/lexbill/internal/invoice/repository"
	"github.com/smallbiznis/lexbill/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(projector.New),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Assembler { return svc }),
)
