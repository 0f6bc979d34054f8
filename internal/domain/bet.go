package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LimitBet es una orden límite en reposo. Su probabilidad límite es fija;
// lo único que cambia es cuánto se llenó y si se canceló.
type LimitBet struct {
	ID          string
	ContractID  string
	AnswerID    string // "" en contratos binarios
	UserID      string
	Outcome     Outcome
	LimitProb   float64
	OrderAmount float64
	Amount      float64 // llenado hasta ahora
	Shares      float64
	IsFilled    bool
	IsCancelled bool
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Remaining es el monto todavía sin llenar.
func (b LimitBet) Remaining() float64 {
	r := b.OrderAmount - b.Amount
	if r < 0 {
		return 0
	}
	return r
}

// Expired reporta si la orden venció en now.
func (b LimitBet) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// Open reporta si la orden puede ser matcheada en now.
func (b LimitBet) Open(now time.Time) bool {
	return !b.IsFilled && !b.IsCancelled && !b.Expired(now) && b.Remaining() > Epsilon
}

// MakerFill es la parte del maker en un fill contra una orden en reposo.
type MakerFill struct {
	BetID     string
	UserID    string
	Outcome   Outcome
	LimitProb float64
	Amount    float64
	Shares    float64
}

// Fill es un tramo ejecutado de una orden de taker. Amount incluye fees.
// Maker es nil cuando el fill fue contra la curva.
type Fill struct {
	Amount       float64
	Shares       float64
	Fees         Fees
	ProbBefore   float64
	ProbAfter    float64
	Maker        *MakerFill
	IsSale       bool
	IsRedemption bool
}

// MatchedBetID devuelve la orden en reposo contra la que se llenó, o "".
func (f Fill) MatchedBetID() string {
	if f.Maker == nil {
		return ""
	}
	return f.Maker.BetID
}

// Bet es el registro inmutable de un fill, del lado del taker o del maker.
// Sólo se modifica después para marcarla vendida.
type Bet struct {
	ID           string
	OrderID      string // agrupa los fills de una misma orden
	Seq          int
	ContractID   string
	AnswerID     string
	UserID       string
	Outcome      Outcome
	Amount       float64
	Shares       float64
	ProbBefore   float64
	ProbAfter    float64
	Fees         Fees
	MatchedBetID string
	LimitProb    float64
	IsSale       bool
	IsRedemption bool
	IsSold       bool
	CreatedAt    time.Time
}

// PostingKind clasifica un movimiento del ledger.
type PostingKind string

const (
	PostingTakerDebit  PostingKind = "taker_debit"
	PostingMakerDebit  PostingKind = "maker_debit"
	PostingCreatorFee  PostingKind = "creator_fee"
	PostingPlatformFee PostingKind = "platform_fee"
	PostingDeposit     PostingKind = "deposit"
)

// Posting es un movimiento idempotente del ledger. Key se deriva del id del
// fill y del rol de la parte, así que repetirlo no tiene efecto.
type Posting struct {
	Key    string
	UserID string
	Kind   PostingKind
	BetID  string
	Amount decimal.Decimal // positivo acredita, negativo debita
}

// PostingKey construye la clave idempotente de un posting.
func PostingKey(fillID string, role PostingKind) string {
	return fillID + ":" + string(role)
}
