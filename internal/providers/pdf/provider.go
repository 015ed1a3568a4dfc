package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

// Provider renders billing documents.
type Provider interface {
	GenerateReconciliationReport(ctx context.Context, data ReportData) (io.Reader, error)
}

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)
