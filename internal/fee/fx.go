package fee

import (
	"github.com/smallbiznis/lexbill/internal/fee/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fee.calculator",
	fx.Provide(service.NewCalculator),
)
