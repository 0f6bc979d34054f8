package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// ContractStore persiste contratos, respuestas, órdenes y bets. Toda
// escritura de pricing pasa por LockContract.
type ContractStore interface {
	domain.RowLocker

	// CreateContract inserta un contrato nuevo con sus respuestas.
	CreateContract(ctx context.Context, c domain.Contract, answers []domain.Answer) error

	// GetSnapshot lee el estado actual sin tomar el lock. Sólo para lectura.
	GetSnapshot(ctx context.Context, contractID string) (domain.Snapshot, error)

	// ContractsWithSubsidy devuelve los contratos abiertos con subsidio pendiente
	// en el contrato o en alguna de sus respuestas.
	ContractsWithSubsidy(ctx context.Context) ([]string, error)

	// ContractsWithExpiredOrders devuelve los contratos con órdenes límite
	// abiertas vencidas en now.
	ContractsWithExpiredOrders(ctx context.Context, now time.Time) ([]string, error)

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
