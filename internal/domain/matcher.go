package domain

import (
	"math"
	"sort"
	"time"
)

// MatchInput es todo lo que necesita el matcher para ejecutar una orden
// contra una curva y sus órdenes en reposo. No lee estado global.
type MatchInput struct {
	Pool      Pool
	FixedP    bool // pool de respuesta multi: la fee de liquidez se agrega con p fijo
	Outcome   Outcome
	Amount    float64
	LimitProb float64 // 0 = sin límite
	Resting   []LimitBet
	Balances  map[string]float64 // nil = makers sin tope de saldo
	Band      Band
	Fees      FeeSchedule
	Now       time.Time
}

// MatchResult es el resultado de una orden: fills en orden de ejecución,
// pool final y lo que quedó sin llenar.
type MatchResult struct {
	Fills          []Fill
	Pool           Pool
	Fees           Fees
	Remaining      float64
	OrdersToCancel []string
	Balances       map[string]float64
	ProbBefore     float64
	ProbAfter      float64
}

// Amount es el total gastado por el taker, fees incluidas.
func (r MatchResult) Amount() float64 {
	var total float64
	for _, f := range r.Fills {
		total += f.Amount
	}
	return total
}

// Shares es el total de shares recibidas por el taker.
func (r MatchResult) Shares() float64 {
	var total float64
	for _, f := range r.Fills {
		total += f.Shares
	}
	return total
}

// AveragePrice es el precio promedio por share realizado.
func (r MatchResult) AveragePrice() float64 {
	s := r.Shares()
	if s == 0 {
		return 0
	}
	return r.Amount() / s
}

// Match ejecuta una orden de compra: en cada paso toma la fuente más barata
// entre la curva y el mejor maker del lado opuesto, hasta agotar el monto o
// llegar al límite. Es puro: el pool y las órdenes de entrada no se tocan.
func Match(in MatchInput) (MatchResult, error) {
	if err := in.validate(); err != nil {
		return MatchResult{}, err
	}
	start := in.Pool.Prob()
	res := MatchResult{
		Pool:       in.Pool,
		ProbBefore: start,
		ProbAfter:  start,
		Balances:   copyBalances(in.Balances),
	}
	makers, cancel := openMakers(in)
	res.OrdersToCancel = cancel

	capPrice := 0.0
	if in.LimitProb > 0 {
		capPrice = outcomePrice(in.Outcome, in.LimitProb)
	}

	remaining := in.Amount
	i := 0
	for iter := 0; remaining > Epsilon && iter < maxIterations; iter++ {
		for i < len(makers) {
			m := makers[i]
			if m.Remaining() <= Epsilon {
				i++
				continue
			}
			if res.Balances != nil && res.Balances[m.UserID] <= Epsilon {
				res.OrdersToCancel = append(res.OrdersToCancel, m.ID)
				i++
				continue
			}
			break
		}
		var maker *LimitBet
		if i < len(makers) {
			maker = &makers[i]
		}
		prob := res.Pool.Prob()

		if maker == nil && in.LimitProb > 0 && reachedLimit(in.Outcome, prob, in.LimitProb) {
			break
		}

		if maker == nil || curveBetter(in.Outcome, prob, maker.LimitProb) {
			target := in.LimitProb
			if maker != nil {
				target = maker.LimitProb
			}
			fill, next, err := curveFill(res.Pool, in, remaining, target, capPrice)
			if err != nil {
				return MatchResult{}, err
			}
			if fill != nil {
				res.Fills = append(res.Fills, *fill)
				res.Fees = res.Fees.Add(fill.Fees)
				res.Pool = next
				remaining -= fill.Amount
				continue
			}
			if maker == nil {
				break
			}
		}

		q := outcomePrice(in.Outcome, maker.LimitProb)
		perShare := q + in.Fees.ForFill(FillQuote{Amount: q, Shares: 1}).Total()
		if capPrice > 0 {
			perShare = math.Min(perShare, math.Max(q, capPrice))
		}
		shares := remaining / perShare
		capacity := maker.Remaining()
		if res.Balances != nil {
			capacity = math.Min(capacity, res.Balances[maker.UserID])
		}
		shares = math.Min(shares, capacity/(1-q))
		if shares <= Epsilon {
			i++
			continue
		}
		net := shares * q
		fees := in.Fees.ForFill(FillQuote{Amount: net, Shares: shares})
		if capPrice > 0 {
			fees = fees.CapTo(capPrice*shares - net)
		}
		makerAmount := shares * (1 - q)
		if fees.LiquidityFee > 0 {
			next, err := addLiquidityFee(res.Pool, fees.LiquidityFee, in.FixedP)
			if err != nil {
				return MatchResult{}, err
			}
			res.Pool = next
		}
		fill := Fill{
			Amount:     net + fees.Total(),
			Shares:     shares,
			Fees:       fees,
			ProbBefore: prob,
			ProbAfter:  res.Pool.Prob(),
			Maker: &MakerFill{
				BetID:     maker.ID,
				UserID:    maker.UserID,
				Outcome:   maker.Outcome,
				LimitProb: maker.LimitProb,
				Amount:    makerAmount,
				Shares:    shares,
			},
		}
		res.Fills = append(res.Fills, fill)
		res.Fees = res.Fees.Add(fees)
		remaining -= fill.Amount
		maker.Amount += makerAmount
		maker.Shares += shares
		if maker.Remaining() <= Epsilon {
			maker.IsFilled = true
		}
		if res.Balances != nil {
			res.Balances[maker.UserID] -= makerAmount
		}
	}

	if remaining < Epsilon {
		remaining = 0
	}
	res.Remaining = remaining
	res.ProbAfter = res.Pool.Prob()
	return res, nil
}

// Sell vende shares de in.Outcome comprando exactamente esas shares del lado
// opuesto y canjeando los pares. Los fills resultantes son de venta: shares y
// monto negativos.
func Sell(in MatchInput, shares float64) (MatchResult, error) {
	if !finite(shares) || shares <= 0 {
		return MatchResult{}, Reject(RejectInvalidOrder, "sell shares %v", shares)
	}
	buy := in
	buy.Outcome = in.Outcome.Opposite()
	buy.LimitProb = 0

	amount, err := amountForShares(buy, shares)
	if err != nil {
		return MatchResult{}, err
	}
	buy.Amount = amount
	res, err := Match(buy)
	if err != nil {
		return MatchResult{}, err
	}
	for i := range res.Fills {
		f := &res.Fills[i]
		f.Amount = -(f.Shares - f.Amount)
		f.Shares = -f.Shares
		f.IsSale = true
	}
	return res, nil
}

// amountForShares busca el monto (fees incluidas) que compra exactamente
// shares en la curva y los makers de in.
func amountForShares(in MatchInput, shares float64) (float64, error) {
	if in.Fees.Zero() && !hasOpposite(in) {
		return in.Pool.AmountForShares(shares, in.Outcome), nil
	}
	trial := in
	hi := shares*(1+in.Fees.TakerRate) + Epsilon
	var lastErr error
	lo, hi := bisect(0, hi, 100, func(x float64) bool {
		trial.Amount = x
		r, err := Match(trial)
		if err != nil {
			lastErr = err
			return true
		}
		return r.Shares() >= shares
	})
	trial.Amount = hi
	if _, err := Match(trial); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		trial.Amount = lo
		if _, err := Match(trial); err != nil {
			return 0, lastErr
		}
		return lo, nil
	}
	return hi, nil
}

// curveFill compra contra la curva hasta target (probabilidad YES) o hasta
// agotar budget. target 0 significa sin tope: la compra tiene que quedar
// dentro de la banda o se rechaza. Devuelve nil si la curva ya está en target.
func curveFill(pool Pool, in MatchInput, budget, target, capPrice float64) (*Fill, Pool, error) {
	amount := budget
	if target > 0 {
		need := pool.AmountToProb(target, in.Outcome)
		if need <= Epsilon {
			return nil, pool, nil
		}
		shares := pool.Shares(need, in.Outcome)
		withFees := need + capFees(in.Fees.ForFill(FillQuote{Amount: need, Shares: shares}), capPrice, need, shares).Total()
		amount = math.Min(budget, withFees)
	}
	fill, next, err := buyWithFees(pool, in, amount, capPrice)
	if err != nil {
		return nil, pool, err
	}
	if target > 0 && pastTarget(in.Outcome, next.Prob(), target) {
		fill, next, err = buyWithFees(pool, in, math.Min(budget, pool.AmountToProb(target, in.Outcome)), capPrice)
		if err != nil {
			return nil, pool, err
		}
	}
	if !in.Band.Contains(next.Prob()) {
		return nil, pool, Reject(RejectProbabilityBand, "prob %.6f outside [%v, %v]", next.Prob(), in.Band.Min, in.Band.Max)
	}
	return fill, next, nil
}

// buyWithFees resuelve la fee por punto fijo (la fee depende de las shares,
// que dependen de lo que queda después de la fee) y compra el resto.
func buyWithFees(pool Pool, in MatchInput, amount, capPrice float64) (*Fill, Pool, error) {
	var fees Fees
	for i := 0; i < 10; i++ {
		net := amount - fees.Total()
		shares := pool.Shares(net, in.Outcome)
		fees = capFees(in.Fees.ForFill(FillQuote{Amount: net, Shares: shares}), capPrice, net, shares)
	}
	net := amount - fees.Total()
	next, shares, err := pool.Buy(net, in.Outcome)
	if err != nil {
		return nil, pool, err
	}
	if fees.LiquidityFee > 0 {
		if next, err = addLiquidityFee(next, fees.LiquidityFee, in.FixedP); err != nil {
			return nil, pool, err
		}
	}
	return &Fill{
		Amount:     amount,
		Shares:     shares,
		Fees:       fees,
		ProbBefore: pool.Prob(),
		ProbAfter:  next.Prob(),
	}, next, nil
}

func capFees(f Fees, capPrice, net, shares float64) Fees {
	if capPrice <= 0 {
		return f
	}
	return f.CapTo(capPrice*shares - net)
}

func addLiquidityFee(pool Pool, fee float64, fixedP bool) (Pool, error) {
	if fixedP {
		next, _, err := pool.AddLiquidityFixedP(fee)
		return next, err
	}
	next, _, err := pool.AddLiquidity(fee)
	return next, err
}

func (in MatchInput) validate() error {
	if !in.Outcome.Valid() {
		return Reject(RejectInvalidOrder, "outcome %q", in.Outcome)
	}
	if !finite(in.Amount) || in.Amount < 0 {
		return Reject(RejectInvalidOrder, "amount %v", in.Amount)
	}
	if !in.Band.Valid() {
		return Reject(RejectInvalidOrder, "band %+v", in.Band)
	}
	if in.LimitProb != 0 && (!finite(in.LimitProb) || in.LimitProb < in.Band.Min || in.LimitProb > in.Band.Max) {
		return Reject(RejectInvalidOrder, "limit %v outside [%v, %v]", in.LimitProb, in.Band.Min, in.Band.Max)
	}
	if !in.Pool.Valid() || !finite(in.Pool.Prob()) {
		return Reject(RejectNonFinite, "pool %v", in.Pool)
	}
	return nil
}

// openMakers devuelve copias de las órdenes del lado opuesto que pueden
// matchear, ordenadas de más a menos favorable para el taker, y las vencidas.
func openMakers(in MatchInput) ([]LimitBet, []string) {
	side := in.Outcome.Opposite()
	var makers []LimitBet
	var expired []string
	for _, b := range in.Resting {
		if b.Outcome != side || b.IsFilled || b.IsCancelled {
			continue
		}
		if b.Expired(in.Now) {
			expired = append(expired, b.ID)
			continue
		}
		if b.Remaining() <= Epsilon {
			continue
		}
		if in.LimitProb > 0 && !withinLimit(in.Outcome, b.LimitProb, in.LimitProb) {
			continue
		}
		makers = append(makers, b)
	}
	sort.Slice(makers, func(i, j int) bool {
		a, b := makers[i], makers[j]
		if a.LimitProb != b.LimitProb {
			if in.Outcome == OutcomeYes {
				return a.LimitProb < b.LimitProb
			}
			return a.LimitProb > b.LimitProb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return makers, expired
}

func hasOpposite(in MatchInput) bool {
	side := in.Outcome.Opposite()
	for _, b := range in.Resting {
		if b.Outcome == side && !b.IsCancelled && !b.IsFilled {
			return true
		}
	}
	return false
}

// outcomePrice es el precio por share de outcome a probabilidad YES prob.
func outcomePrice(o Outcome, prob float64) float64 {
	if o == OutcomeYes {
		return prob
	}
	return 1 - prob
}

func reachedLimit(o Outcome, prob, limit float64) bool {
	if o == OutcomeYes {
		return approxGreaterEqual(prob, limit)
	}
	return approxLessEqual(prob, limit)
}

func pastTarget(o Outcome, prob, target float64) bool {
	if o == OutcomeYes {
		return prob > target+Epsilon
	}
	return prob < target-Epsilon
}

// withinLimit reporta si un maker a makerProb es aceptable para un taker con límite.
func withinLimit(o Outcome, makerProb, limit float64) bool {
	if o == OutcomeYes {
		return approxLessEqual(makerProb, limit)
	}
	return approxGreaterEqual(makerProb, limit)
}

func curveBetter(o Outcome, prob, makerProb float64) bool {
	if o == OutcomeYes {
		return prob < makerProb-Epsilon
	}
	return prob > makerProb+Epsilon
}

func copyBalances(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
