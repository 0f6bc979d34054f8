package ports

import (
	"context"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// Notifier presenta los resultados del motor al usuario.
type Notifier interface {
	// NotifyTrade muestra los fills de una orden ejecutada.
	NotifyTrade(ctx context.Context, report domain.TradeReport) error

	// NotifyDrizzle muestra el resultado de un ciclo de subsidio.
	NotifyDrizzle(ctx context.Context, outcomes []domain.DrizzleOutcome) error
}
