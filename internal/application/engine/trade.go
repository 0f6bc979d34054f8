package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// BetRequest es una orden de compra. LimitProb 0 = orden a mercado.
type BetRequest struct {
	ContractID string
	AnswerID   string // "" en binarios
	UserID     string
	Outcome    domain.Outcome
	Amount     float64
	LimitProb  float64
	ExpiresAt  *time.Time
}

// SellRequest vende shares de una posición. Shares 0 = toda la posición.
type SellRequest struct {
	ContractID string
	AnswerID   string
	UserID     string
	Outcome    domain.Outcome
	Shares     float64
}

// execution es el resultado de pricing de una orden, ya resuelto por tipo de
// contrato: las piernas ejecutadas y el estado nuevo de los pools.
type execution struct {
	legs       []domain.AnswerLeg
	pool       domain.Pool     // binarios
	answers    []domain.Answer // multi
	remaining  float64
	cancel     []string
	probBefore float64
	probAfter  float64
}

func (x execution) fees() domain.Fees {
	var f domain.Fees
	for _, l := range x.legs {
		f = f.Add(l.Result.Fees)
	}
	return f
}

// mainLeg es la pierna sobre la respuesta (o el pool) de la orden.
func (x execution) mainLeg() domain.AnswerLeg {
	return x.legs[0]
}

// PlaceBet ejecuta una compra contra la curva y las órdenes en reposo. Si
// tiene límite y no se llena entera, el resto queda como orden en reposo.
func (e *Engine) PlaceBet(l *domain.Locked, req BetRequest) (domain.TradeReport, error) {
	snap := l.Snapshot()
	now := e.now()
	if err := e.checkOpen(snap, req.AnswerID, now); err != nil {
		return domain.TradeReport{}, err
	}
	if !req.Outcome.Valid() {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "outcome %q", req.Outcome)
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "amount %v", req.Amount)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "expires at %s is in the past", req.ExpiresAt.Format(time.RFC3339))
	}
	if req.ExpiresAt != nil && req.LimitProb == 0 {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "expiration needs a limit")
	}

	balance, err := l.Balance(req.UserID)
	if err != nil {
		return domain.TradeReport{}, fmt.Errorf("engine.PlaceBet: balance: %w", err)
	}
	if balance+domain.Epsilon < req.Amount {
		return domain.TradeReport{}, domain.Reject(domain.RejectInsufficientBalance, "balance %.2f < %.2f", balance, req.Amount)
	}

	var ex execution
	switch snap.Contract.Kind() {
	case domain.KindBinary:
		ex, err = e.matchBinary(snap, req.Outcome, req.Amount, req.LimitProb, now, 0)
	case domain.KindMultiIndependent:
		ex, err = e.matchAnswer(snap, req.AnswerID, req.Outcome, req.Amount, req.LimitProb, now, 0)
	case domain.KindMultiSumToOne:
		ex, err = e.solveSumToOne(snap, req.AnswerID, req.Outcome, req.Amount, req.LimitProb, now, 0)
	}
	if err != nil {
		return domain.TradeReport{}, err
	}
	if req.LimitProb == 0 && ex.remaining > domain.Epsilon {
		return domain.TradeReport{}, domain.Reject(domain.RejectInsufficientLiquidity, "%.4f of %.4f left unfilled", ex.remaining, req.Amount)
	}

	rec := e.newRecorder(snap, req.UserID, now)
	rec.addExecution(ex, req.LimitProb)
	if req.LimitProb > 0 {
		rec.rest(req, ex)
	}
	return e.commit(l, rec, ex, req.AnswerID, req.Outcome, false)
}

// Sell vende shares de una posición del usuario.
func (e *Engine) Sell(l *domain.Locked, req SellRequest) (domain.TradeReport, error) {
	snap := l.Snapshot()
	now := e.now()
	if err := e.checkOpen(snap, req.AnswerID, now); err != nil {
		return domain.TradeReport{}, err
	}
	if !req.Outcome.Valid() {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "outcome %q", req.Outcome)
	}

	held, err := l.Position(req.UserID, req.AnswerID, req.Outcome)
	if err != nil {
		return domain.TradeReport{}, fmt.Errorf("engine.Sell: position: %w", err)
	}
	shares := req.Shares
	if shares == 0 {
		shares = held
	}
	if math.IsNaN(shares) || shares <= domain.Epsilon {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "no %s shares to sell", req.Outcome)
	}
	if shares > held+domain.Epsilon {
		return domain.TradeReport{}, domain.Reject(domain.RejectInvalidOrder, "selling %.4f %s shares, holding %.4f", shares, req.Outcome, held)
	}
	shares = math.Min(shares, held)

	var ex execution
	switch snap.Contract.Kind() {
	case domain.KindBinary:
		ex, err = e.matchBinary(snap, req.Outcome, 0, 0, now, shares)
	case domain.KindMultiIndependent:
		ex, err = e.matchAnswer(snap, req.AnswerID, req.Outcome, 0, 0, now, shares)
	case domain.KindMultiSumToOne:
		ex, err = e.solveSumToOne(snap, req.AnswerID, req.Outcome, 0, 0, now, shares)
	}
	if err != nil {
		return domain.TradeReport{}, err
	}

	rec := e.newRecorder(snap, req.UserID, now)
	rec.addExecution(ex, 0)
	if held-shares < domain.Epsilon {
		rec.changes.Sold = append(rec.changes.Sold, domain.SoldPosition{
			UserID: req.UserID, AnswerID: req.AnswerID, Outcome: req.Outcome,
		})
	}
	return e.commit(l, rec, ex, req.AnswerID, req.Outcome, true)
}

// CancelLimitOrder cancela una orden abierta del usuario.
func (e *Engine) CancelLimitOrder(l *domain.Locked, userID, betID string) (domain.LimitBet, error) {
	snap := l.Snapshot()
	for _, b := range snap.LimitBets {
		if b.ID != betID {
			continue
		}
		if b.UserID != userID {
			return domain.LimitBet{}, domain.Reject(domain.RejectInvalidOrder, "order %s belongs to another user", betID)
		}
		b.IsCancelled = true
		if err := l.Stage(domain.Changes{LimitBets: []domain.LimitBet{b}}); err != nil {
			return domain.LimitBet{}, err
		}
		return b, nil
	}
	return domain.LimitBet{}, fmt.Errorf("engine.CancelLimitOrder: order %s: %w", betID, domain.ErrNotFound)
}

// checkOpen valida que el contrato (y la respuesta, si hay) acepte órdenes.
func (e *Engine) checkOpen(snap domain.Snapshot, answerID string, now time.Time) error {
	c := snap.Contract
	if c.IsClosed(now) {
		return domain.Reject(domain.RejectMarketClosed, "contract %s", c.ID)
	}
	if c.Kind() == domain.KindBinary {
		if answerID != "" {
			return domain.Reject(domain.RejectInvalidOrder, "binary contract %s has no answers", c.ID)
		}
		return nil
	}
	i := domain.FindAnswer(snap.Answers, answerID)
	if i < 0 {
		return domain.Reject(domain.RejectInvalidOrder, "answer %q not in contract %s", answerID, c.ID)
	}
	if snap.Answers[i].IsResolved {
		return domain.Reject(domain.RejectMarketClosed, "answer %s is resolved", answerID)
	}
	return nil
}

func (e *Engine) matchInput(pool domain.Pool, fixedP bool, snap domain.Snapshot, answerID string, outcome domain.Outcome, amount, limit float64, now time.Time) domain.MatchInput {
	return domain.MatchInput{
		Pool:      pool,
		FixedP:    fixedP,
		Outcome:   outcome,
		Amount:    amount,
		LimitProb: limit,
		Resting:   snap.RestingFor(answerID),
		Balances:  snap.Balances,
		Band:      e.cfg.Band,
		Fees:      e.cfg.Fees,
		Now:       now,
	}
}

// matchBinary compra amount, o vende sellShares si es > 0, sobre el pool del contrato.
func (e *Engine) matchBinary(snap domain.Snapshot, outcome domain.Outcome, amount, limit float64, now time.Time, sellShares float64) (execution, error) {
	in := e.matchInput(snap.Contract.Pool, false, snap, "", outcome, amount, limit, now)
	res, err := runMatch(in, sellShares)
	if err != nil {
		return execution{}, err
	}
	return execution{
		legs:       []domain.AnswerLeg{{Outcome: outcome, Result: res}},
		pool:       res.Pool,
		remaining:  res.Remaining,
		cancel:     res.OrdersToCancel,
		probBefore: snap.Contract.Pool.Prob(),
		probAfter:  res.Pool.Prob(),
	}, nil
}

// matchAnswer opera sobre una sola respuesta de un contrato multi independiente.
func (e *Engine) matchAnswer(snap domain.Snapshot, answerID string, outcome domain.Outcome, amount, limit float64, now time.Time, sellShares float64) (execution, error) {
	i := domain.FindAnswer(snap.Answers, answerID)
	a := snap.Answers[i]
	if !a.Active() {
		return execution{}, domain.Reject(domain.RejectInsufficientLiquidity, "answer %s has no liquidity", answerID)
	}
	in := e.matchInput(a.Pool, true, snap, answerID, outcome, amount, limit, now)
	res, err := runMatch(in, sellShares)
	if err != nil {
		return execution{}, err
	}
	answers := append([]domain.Answer(nil), snap.Answers...)
	answers[i].Pool = res.Pool
	return execution{
		legs:       []domain.AnswerLeg{{AnswerID: answerID, Outcome: outcome, Result: res}},
		answers:    answers,
		remaining:  res.Remaining,
		cancel:     res.OrdersToCancel,
		probBefore: a.Prob(),
		probAfter:  res.Pool.Prob(),
	}, nil
}

// solveSumToOne opera sobre un contrato cuyas respuestas suman 1.
func (e *Engine) solveSumToOne(snap domain.Snapshot, answerID string, outcome domain.Outcome, amount, limit float64, now time.Time, sellShares float64) (execution, error) {
	in := domain.ArbitrageInput{
		Answers:   snap.Answers,
		AnswerID:  answerID,
		Outcome:   outcome,
		Amount:    amount,
		LimitProb: limit,
		Resting:   snap.LimitBets,
		Balances:  snap.Balances,
		Band:      e.cfg.Band,
		Fees:      e.cfg.Fees,
		Now:       now,
	}
	var res domain.ArbitrageResult
	var err error
	if sellShares > 0 {
		res, err = domain.SolveSell(in, sellShares)
	} else {
		res, err = domain.SolveBuy(in)
	}
	if err != nil {
		return execution{}, err
	}
	i := domain.FindAnswer(snap.Answers, answerID)
	return execution{
		legs:       res.Legs(),
		answers:    res.Answers,
		remaining:  res.Remaining,
		cancel:     res.OrdersToCancel(),
		probBefore: snap.Answers[i].Prob(),
		probAfter:  res.Answers[i].Prob(),
	}, nil
}

func runMatch(in domain.MatchInput, sellShares float64) (domain.MatchResult, error) {
	if sellShares > 0 {
		return domain.Sell(in, sellShares)
	}
	return domain.Match(in)
}

// commit encola todo lo registrado y arma el reporte.
func (e *Engine) commit(l *domain.Locked, rec *recorder, ex execution, answerID string, outcome domain.Outcome, isSale bool) (domain.TradeReport, error) {
	c := rec.snap.Contract
	hasBet, err := l.HasBet(rec.userID)
	if err != nil {
		return domain.TradeReport{}, fmt.Errorf("engine.commit: has bet: %w", err)
	}
	if !hasBet {
		c.UniqueBettorCount++
	}
	if c.Kind() == domain.KindBinary {
		c.Pool = ex.pool
	} else {
		rec.changes.Answers = ex.answers
	}
	c.CollectedFees = c.CollectedFees.Add(ex.fees())
	rec.changes.Contract = &c
	rec.cancelOrders(ex.cancel)
	rec.flushMakers()

	if err := l.Stage(rec.changes); err != nil {
		return domain.TradeReport{}, err
	}

	report := domain.TradeReport{
		ContractID: c.ID,
		Question:   c.Question,
		Kind:       c.Kind(),
		AnswerID:   answerID,
		UserID:     rec.userID,
		OrderID:    rec.orderID,
		Outcome:    outcome,
		IsSale:     isSale,
		Bets:       rec.changes.Bets,
		Resting:    rec.resting,
		Cancelled:  ex.cancel,
		ProbBefore: ex.probBefore,
		ProbAfter:  ex.probAfter,
		Fees:       ex.fees(),
		Book:       domain.BuildOrderBook(answerID, rec.openBets(), rec.now),
	}
	if rec.resting != nil {
		report.QueueAhead = QueueAhead(rec.openBets(), *rec.resting, rec.now)
	}
	return report, nil
}
