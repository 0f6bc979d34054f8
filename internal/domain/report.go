package domain

// TradeReport resume una orden ejecutada para notificar.
type TradeReport struct {
	ContractID string
	Question   string
	Kind       MarketKind
	AnswerID   string
	UserID     string
	OrderID    string
	Outcome    Outcome
	IsSale     bool
	Bets       []Bet
	Resting    *LimitBet
	QueueAhead float64 // monto delante de Resting en su nivel
	Cancelled  []string
	ProbBefore float64
	ProbAfter  float64
	Fees       Fees
	Book       OrderBook
}

// TakerBets devuelve las bets del taker, sin las de los makers.
func (r TradeReport) TakerBets() []Bet {
	var out []Bet
	for _, b := range r.Bets {
		if b.OrderID == r.OrderID {
			out = append(out, b)
		}
	}
	return out
}

// DrizzleOutcome es el resultado de inyectar subsidio en un pool.
type DrizzleOutcome struct {
	ContractID    string
	AnswerID      string // "" si el subsidio es del contrato
	Kind          MarketKind
	Injected      float64
	SubsidyBefore float64
	SubsidyAfter  float64
	ProbBefore    float64
	ProbAfter     float64
	Drained       bool
	Err           error
}
