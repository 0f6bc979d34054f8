package engine

import (
	"log/slog"

	"github.com/alejandrodnm/marketmaker/internal/domain"
)

// Fracción del subsidio que se inyecta por ciclo, según el tamaño del mercado.
const (
	thinMarketRate  = 0.7
	thickMarketRate = 0.3
)

// Drizzle inyecta una porción del subsidio pendiente en los pools del
// contrato: el del contrato y el de cada respuesta activa. draw devuelve un
// número en [0,1). Un pool cuyo cálculo no es finito se saltea y se reporta
// con Err; el resto del contrato sigue.
func (e *Engine) Drizzle(l *domain.Locked, draw func() float64) ([]domain.DrizzleOutcome, error) {
	snap := l.Snapshot()
	c := snap.Contract
	if c.IsResolved {
		return nil, nil
	}
	answers := append([]domain.Answer(nil), snap.Answers...)
	var outcomes []domain.DrizzleOutcome
	changed := false

	if c.SubsidyPool > domain.Epsilon {
		amount := e.drizzleAmount(c.SubsidyPool, c.UniqueBettorCount, draw)
		out := domain.DrizzleOutcome{
			ContractID:    c.ID,
			Kind:          c.Kind(),
			SubsidyBefore: c.SubsidyPool,
		}
		var err error
		switch c.Kind() {
		case domain.KindBinary:
			out.ProbBefore = c.Pool.Prob()
			var next domain.Pool
			next, _, err = c.Pool.AddLiquidity(amount)
			if err == nil {
				c.Pool = next
				out.ProbAfter = next.Prob()
			}
		case domain.KindMultiIndependent:
			var next []domain.Answer
			next, err = domain.AddLiquidityIndependent(answers, amount)
			if err == nil {
				answers = next
			}
		case domain.KindMultiSumToOne:
			var next []domain.Answer
			next, err = domain.AddLiquiditySumToOne(answers, amount)
			if err == nil {
				answers = next
			}
		}
		if err != nil {
			slog.Warn("engine: drizzle skipped pool", "contract_id", c.ID, "amount", amount, "err", err)
			out.Err = err
			out.SubsidyAfter = c.SubsidyPool
		} else {
			c.SubsidyPool = drained(c.SubsidyPool - amount)
			c.TotalLiquidity += amount
			out.Injected = amount
			out.SubsidyAfter = c.SubsidyPool
			out.Drained = c.SubsidyPool == 0
			changed = true
		}
		outcomes = append(outcomes, out)
	}

	for i := range answers {
		a := &answers[i]
		if a.SubsidyPool <= domain.Epsilon || !a.Active() {
			continue
		}
		amount := e.drizzleAmount(a.SubsidyPool, c.UniqueBettorCount, draw)
		out := domain.DrizzleOutcome{
			ContractID:    c.ID,
			AnswerID:      a.ID,
			Kind:          c.Kind(),
			SubsidyBefore: a.SubsidyPool,
			ProbBefore:    a.Prob(),
		}
		next, _, err := a.Pool.AddLiquidityFixedP(amount)
		if err != nil {
			slog.Warn("engine: drizzle skipped answer", "contract_id", c.ID, "answer_id", a.ID, "amount", amount, "err", err)
			out.Err = err
			out.SubsidyAfter = a.SubsidyPool
			out.ProbAfter = out.ProbBefore
			outcomes = append(outcomes, out)
			continue
		}
		a.Pool = next
		a.SubsidyPool = drained(a.SubsidyPool - amount)
		a.TotalLiquidity += amount
		out.Injected = amount
		out.SubsidyAfter = a.SubsidyPool
		out.ProbAfter = next.Prob()
		out.Drained = a.SubsidyPool == 0
		outcomes = append(outcomes, out)
		changed = true
	}

	if !changed {
		return outcomes, nil
	}
	ch := domain.Changes{Contract: &c}
	if c.Kind() != domain.KindBinary {
		ch.Answers = answers
	}
	if err := l.Stage(ch); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// drizzleAmount: todo el saldo si es chico, si no una fracción aleatoria,
// más grande en mercados con pocos apostadores.
func (e *Engine) drizzleAmount(subsidy float64, bettors int, draw func() float64) float64 {
	if subsidy <= 1 {
		return subsidy
	}
	v := thickMarketRate
	if bettors < e.cfg.ThinMarketBettors {
		v = thinMarketRate
	}
	r := 1 - draw()
	return r * v * subsidy
}

func drained(x float64) float64 {
	if x < domain.Epsilon {
		return 0
	}
	return x
}
