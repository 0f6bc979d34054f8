package domain

import "time"

// Outcome es el lado de una apuesta sobre un pool binario.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reporta si el outcome es YES o NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite devuelve el otro lado.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Mechanism es el mecanismo de pricing del contrato.
type Mechanism string

const (
	MechanismCPMM      Mechanism = "cpmm-1"
	MechanismCPMMMulti Mechanism = "cpmm-multi-1"
)

// MarketKind es la variante cerrada sobre la que despacha el motor.
// Se decide una vez por contrato, no en cada función de pricing.
type MarketKind int

const (
	KindBinary MarketKind = iota
	KindMultiIndependent
	KindMultiSumToOne
)

func (k MarketKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindMultiIndependent:
		return "multi-independent"
	case KindMultiSumToOne:
		return "multi-sum-to-one"
	}
	return "unknown"
}

// Contract es un mercado. Los binarios usan Pool; los multi-respuesta
// guardan un pool por Answer y Pool queda vacío.
type Contract struct {
	ID                    string
	Question              string
	CreatorID             string
	Mechanism             Mechanism
	ShouldAnswersSumToOne bool
	Pool                  Pool
	SubsidyPool           float64
	TotalLiquidity        float64
	CollectedFees         Fees
	UniqueBettorCount     int
	CloseTime             time.Time // zero = sin cierre
	IsResolved            bool
	CreatedAt             time.Time
}

// Kind devuelve la variante del contrato.
func (c Contract) Kind() MarketKind {
	if c.Mechanism != MechanismCPMMMulti {
		return KindBinary
	}
	if c.ShouldAnswersSumToOne {
		return KindMultiSumToOne
	}
	return KindMultiIndependent
}

// IsClosed reporta si el contrato ya no acepta apuestas en now.
func (c Contract) IsClosed(now time.Time) bool {
	if c.IsResolved {
		return true
	}
	return !c.CloseTime.IsZero() && !now.Before(c.CloseTime)
}

// Answer es una respuesta de un contrato multi-respuesta. Su pool tiene P = 0.5.
type Answer struct {
	ID             string
	ContractID     string
	Index          int
	Text           string
	Pool           Pool
	SubsidyPool    float64
	TotalLiquidity float64
	IsResolved     bool
}

// Prob devuelve la probabilidad YES de la respuesta.
func (a Answer) Prob() float64 {
	return a.Pool.Prob()
}

// Active reporta si la respuesta participa del pricing: tiene liquidez y
// no está resuelta.
func (a Answer) Active() bool {
	return !a.IsResolved && a.Pool.YES > Epsilon && a.Pool.NO > Epsilon
}

// FindAnswer devuelve el índice de la respuesta con id, o -1.
func FindAnswer(answers []Answer, id string) int {
	for i := range answers {
		if answers[i].ID == id {
			return i
		}
	}
	return -1
}
