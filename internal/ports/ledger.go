package ports

import (
	"context"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger aplica postings de saldo. Cada posting se aplica a lo sumo una vez
// por clave: repetirlo no cambia ningún saldo.
type Ledger interface {
	// Post aplica los postings nuevos y devuelve cuántos aplicó.
	Post(ctx context.Context, postings []domain.Posting) (int, error)

	// Balance devuelve el saldo actual de un usuario.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}
