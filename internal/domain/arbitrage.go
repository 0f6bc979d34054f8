package domain

import (
	"math"
	"time"
)

// ArbitrageInput es una orden sobre una respuesta de un contrato cuyas
// respuestas suman 1. Resting trae las órdenes en reposo de todas las respuestas.
type ArbitrageInput struct {
	Answers   []Answer
	AnswerID  string
	Outcome   Outcome
	Amount    float64
	LimitProb float64
	Resting   []LimitBet
	Balances  map[string]float64
	Band      Band
	Fees      FeeSchedule
	Now       time.Time
}

// AnswerLeg es la parte de la orden ejecutada sobre una respuesta.
type AnswerLeg struct {
	AnswerID string
	Outcome  Outcome
	Result   MatchResult
}

// ArbitrageResult agrupa todas las piernas de una orden multi-respuesta.
// Se calcula sobre copias: o se aplica entero o no se aplica.
type ArbitrageResult struct {
	Main      AnswerLeg
	Others    []AnswerLeg
	Answers   []Answer
	Balances  map[string]float64
	Remaining float64
}

// Legs devuelve la pierna principal seguida de las demás.
func (r ArbitrageResult) Legs() []AnswerLeg {
	return append([]AnswerLeg{r.Main}, r.Others...)
}

// Fees suma las fees de todas las piernas.
func (r ArbitrageResult) Fees() Fees {
	var f Fees
	for _, l := range r.Legs() {
		f = f.Add(l.Result.Fees)
	}
	return f
}

// ProbSum suma las probabilidades de las respuestas activas.
func (r ArbitrageResult) ProbSum() float64 {
	return probSum(r.Answers)
}

// OrdersToCancel junta las órdenes a cancelar de todas las piernas.
func (r ArbitrageResult) OrdersToCancel() []string {
	var ids []string
	for _, l := range r.Legs() {
		ids = append(ids, l.Result.OrdersToCancel...)
	}
	return ids
}

// legOutcome clasifica una evaluación del solver.
type legOutcome int

const (
	legOK legOutcome = iota
	legTooSmall
	legTooBig
)

type arbEval struct {
	state ArbitrageResult
	sum   float64
	kind  legOutcome
	err   error
}

type arbSolver struct {
	in      ArbitrageInput
	main    int
	active  []int
	resting map[string][]LimitBet
}

// SolveBuy ejecuta una compra sobre una respuesta manteniendo la suma de
// probabilidades en 1.
//
// Comprar YES en A se hace comprando x shares NO en cada otra respuesta:
// NO en todas las demás equivale a x·(m−2) de dinero más x YES en A. Lo que
// sobra del monto se gasta en YES en A. Se busca x por bisección hasta que
// las probabilidades suman 1 (x = 0 si ya suman 1 o menos).
//
// Comprar NO en A se hace comprando y shares YES en cada otra respuesta, que
// equivalen a y NO en A, y gastando el resto en NO en A.
func SolveBuy(in ArbitrageInput) (ArbitrageResult, error) {
	s, err := newArbSolver(in)
	if err != nil {
		return ArbitrageResult{}, err
	}
	if len(s.active) == 1 {
		return s.single()
	}
	if in.Outcome == OutcomeYes {
		return s.solveYes(in.Amount)
	}
	return s.solveNo(in.Amount)
}

// SolveSell vende shares de outcome en una respuesta: compra el lado opuesto
// con el solver, dimensionado para que la pierna principal reciba exactamente
// shares, y canjea los pares.
func SolveSell(in ArbitrageInput, shares float64) (ArbitrageResult, error) {
	if !finite(shares) || shares <= 0 {
		return ArbitrageResult{}, Reject(RejectInvalidOrder, "sell shares %v", shares)
	}
	buy := in
	buy.Outcome = in.Outcome.Opposite()
	buy.LimitProb = 0
	s, err := newArbSolver(buy)
	if err != nil {
		return ArbitrageResult{}, err
	}
	solve := func(amount float64) (ArbitrageResult, error) {
		s.in.Amount = amount
		if len(s.active) == 1 {
			return s.single()
		}
		if buy.Outcome == OutcomeYes {
			return s.solveYes(amount)
		}
		return s.solveNo(amount)
	}
	hi := shares*(1+in.Fees.TakerRate) + Epsilon
	lo, hi := bisect(0, hi, 100, func(x float64) bool {
		r, err := solve(x)
		return err != nil || r.Main.Result.Shares() >= shares
	})
	res, err := solve(hi)
	if err != nil {
		if res, err = solve(lo); err != nil {
			return ArbitrageResult{}, err
		}
	}
	for i := range res.Main.Result.Fills {
		f := &res.Main.Result.Fills[i]
		f.Amount = -(f.Shares - f.Amount)
		f.Shares = -f.Shares
		f.IsSale = true
	}
	res.Main.Outcome = in.Outcome
	return res, nil
}

func newArbSolver(in ArbitrageInput) (*arbSolver, error) {
	if !in.Outcome.Valid() {
		return nil, Reject(RejectInvalidOrder, "outcome %q", in.Outcome)
	}
	if !finite(in.Amount) || in.Amount < 0 {
		return nil, Reject(RejectInvalidOrder, "amount %v", in.Amount)
	}
	main := FindAnswer(in.Answers, in.AnswerID)
	if main < 0 {
		return nil, Reject(RejectInvalidOrder, "answer %s not in contract", in.AnswerID)
	}
	if !in.Answers[main].Active() {
		return nil, Reject(RejectInsufficientLiquidity, "answer %s has no liquidity or is resolved", in.AnswerID)
	}
	s := &arbSolver{
		in:      in,
		main:    main,
		active:  activeIndexes(in.Answers),
		resting: make(map[string][]LimitBet),
	}
	for _, b := range in.Resting {
		s.resting[b.AnswerID] = append(s.resting[b.AnswerID], b)
	}
	return s, nil
}

func (s *arbSolver) legInput(i int, outcome Outcome, amount, limit float64, balances map[string]float64) MatchInput {
	a := s.in.Answers[i]
	return MatchInput{
		Pool:      a.Pool,
		FixedP:    true,
		Outcome:   outcome,
		Amount:    amount,
		LimitProb: limit,
		Resting:   s.resting[a.ID],
		Balances:  balances,
		Band:      s.in.Band,
		Fees:      s.in.Fees,
		Now:       s.in.Now,
	}
}

func (s *arbSolver) single() (ArbitrageResult, error) {
	r, err := Match(s.legInput(s.main, s.in.Outcome, s.in.Amount, s.in.LimitProb, s.in.Balances))
	if err != nil {
		return ArbitrageResult{}, err
	}
	answers := append([]Answer(nil), s.in.Answers...)
	answers[s.main].Pool = r.Pool
	return ArbitrageResult{
		Main:      AnswerLeg{AnswerID: s.in.AnswerID, Outcome: s.in.Outcome, Result: r},
		Answers:   answers,
		Balances:  r.Balances,
		Remaining: r.Remaining,
	}, nil
}

// evaluate arma todas las piernas para un tamaño de cobertura x (shares por
// respuesta) y un gasto total spend.
func (s *arbSolver) evaluate(x, spend float64) arbEval {
	hedge := s.in.Outcome.Opposite()
	balances := copyBalances(s.in.Balances)
	answers := append([]Answer(nil), s.in.Answers...)
	var others []AnswerLeg
	var hedgeCost float64
	for _, j := range s.active {
		if j == s.main {
			continue
		}
		leg := AnswerLeg{AnswerID: answers[j].ID, Outcome: hedge}
		if x > 0 {
			mi := s.legInput(j, hedge, 0, 0, balances)
			cost, err := amountForShares(mi, x)
			if err != nil {
				return arbEval{kind: legTooBig, err: err}
			}
			mi.Amount = cost
			r, err := Match(mi)
			if err != nil {
				return arbEval{kind: legTooBig, err: err}
			}
			balances = r.Balances
			hedgeCost += r.Amount()
			answers[j].Pool = r.Pool
			r.Fills = append(r.Fills, Fill{
				Amount:       -r.Amount(),
				Shares:       -r.Shares(),
				ProbBefore:   r.ProbAfter,
				ProbAfter:    r.ProbAfter,
				IsRedemption: true,
			})
			leg.Result = r
		}
		others = append(others, leg)
	}

	// NO en todas las demás devuelve x·(m−2) además de x YES en A; YES en
	// todas las demás equivale exactamente a x NO en A.
	redeemed := hedgeCost
	if s.in.Outcome == OutcomeYes {
		redeemed -= x * float64(len(s.active)-2)
	}
	direct := spend - redeemed
	if direct < -Epsilon {
		return arbEval{kind: legTooBig, err: Reject(RejectInsufficientLiquidity, "hedge costs more than the order")}
	}
	mr, err := Match(s.legInput(s.main, s.in.Outcome, math.Max(0, direct), s.in.LimitProb, balances))
	if err != nil {
		return arbEval{kind: legTooSmall, err: err}
	}
	answers[s.main].Pool = mr.Pool
	if x > 0 {
		mr.Fills = append(mr.Fills, Fill{
			Amount:       redeemed,
			Shares:       x,
			ProbBefore:   mr.ProbAfter,
			ProbAfter:    mr.ProbAfter,
			IsRedemption: true,
		})
	}
	state := ArbitrageResult{
		Main:      AnswerLeg{AnswerID: s.in.AnswerID, Outcome: s.in.Outcome, Result: mr},
		Others:    others,
		Answers:   answers,
		Balances:  mr.Balances,
		Remaining: mr.Remaining,
	}
	return arbEval{state: state, sum: probSum(answers), kind: legOK}
}

// solveYes: la suma baja a medida que x crece.
func (s *arbSolver) solveYes(spend float64) (ArbitrageResult, error) {
	past := func(e arbEval) bool {
		return e.kind == legTooBig || (e.kind == legOK && e.sum <= 1)
	}
	return s.solve(spend, past, true)
}

// solveNo: la suma sube a medida que y crece.
func (s *arbSolver) solveNo(spend float64) (ArbitrageResult, error) {
	past := func(e arbEval) bool {
		return e.kind == legTooBig || (e.kind == legOK && e.sum >= 1)
	}
	return s.solve(spend, past, false)
}

func (s *arbSolver) solve(spend float64, past func(arbEval) bool, takeHigh bool) (ArbitrageResult, error) {
	zero := s.evaluate(0, spend)
	if past(zero) {
		if zero.kind != legOK {
			return ArbitrageResult{}, s.underLimit(zero.err)
		}
		return zero.state, nil
	}

	hi := spend + 1
	bracketed := false
	for i := 0; i < 64; i++ {
		if past(s.evaluate(hi, spend)) {
			bracketed = true
			break
		}
		hi *= 2
	}
	if !bracketed {
		if s.in.LimitProb > 0 {
			return ArbitrageResult{}, Reject(RejectLimitNotReached, "no allocation keeps %s within %v", s.in.AnswerID, s.in.LimitProb)
		}
		return ArbitrageResult{}, Reject(RejectInsufficientLiquidity, "arbitrage did not converge for %s", s.in.AnswerID)
	}

	lo, hi := bisect(0, hi, 200, func(x float64) bool {
		return past(s.evaluate(x, spend))
	})
	first, second := lo, hi
	if takeHigh {
		first, second = hi, lo
	}
	e := s.evaluate(first, spend)
	if e.kind == legOK && e.sum <= 1+Epsilon {
		return e.state, nil
	}
	alt := s.evaluate(second, spend)
	if alt.kind == legOK && alt.sum <= 1+Epsilon {
		return alt.state, nil
	}
	if e.err != nil {
		return ArbitrageResult{}, s.underLimit(e.err)
	}
	if s.in.LimitProb > 0 {
		return ArbitrageResult{}, Reject(RejectLimitNotReached, "no allocation keeps %s within %v", s.in.AnswerID, s.in.LimitProb)
	}
	return ArbitrageResult{}, Reject(RejectInsufficientLiquidity, "arbitrage did not converge for %s", s.in.AnswerID)
}

// underLimit: con orden límite, una asignación que sólo choca con la banda
// cuenta como límite no alcanzado.
func (s *arbSolver) underLimit(err error) error {
	if s.in.LimitProb > 0 && RejectReasonOf(err) == RejectProbabilityBand {
		return Reject(RejectLimitNotReached, "no allocation keeps %s within %v: %v", s.in.AnswerID, s.in.LimitProb, err)
	}
	return err
}

func probSum(answers []Answer) float64 {
	var sum float64
	for _, a := range answers {
		if a.Active() {
			sum += a.Prob()
		}
	}
	return sum
}
