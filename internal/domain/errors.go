package domain

import (
	"errors"
	"fmt"
)

// RejectReason identifica por qué el motor rechazó una orden.
type RejectReason string

const (
	RejectNonFinite             RejectReason = "non_finite"
	RejectProbabilityBand       RejectReason = "probability_band"
	RejectLimitNotReached       RejectReason = "limit_not_reached"
	RejectMarketClosed          RejectReason = "market_closed"
	RejectInvalidOrder          RejectReason = "invalid_order"
	RejectInsufficientLiquidity RejectReason = "insufficient_liquidity"
	RejectInsufficientBalance   RejectReason = "insufficient_balance"
)

// RejectError es un rechazo determinístico: reintentar no cambia el resultado.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Reject construye un RejectError con detalle formateado.
func Reject(reason RejectReason, format string, args ...any) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsReject reporta si err (o algo que envuelve) es un rechazo del motor.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// RejectReasonOf devuelve la razón del rechazo, o "" si err no es un rechazo.
func RejectReasonOf(err error) RejectReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

var (
	// ErrTransient lo envuelven los adapters cuando falla el lock o la
	// transacción por contención; la transacción completa se puede reintentar.
	ErrTransient = errors.New("transient storage failure")
	// ErrNotFound indica que el contrato, la respuesta o la orden no existe.
	ErrNotFound = errors.New("not found")
)

// IsTransient reporta si err es reintentable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
